package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialClient(t *testing.T, addr string) *ftp.ServerConn {
	t.Helper()
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "Failed to dial")
	t.Cleanup(func() { _ = c.Quit() })
	fatalIfErr(t, c.Login(testUser, testPass), "Failed to login")
	return c
}

// TestServerIntegration performs a full end-to-end session with a
// third-party client.
func TestServerIntegration(t *testing.T) {
	t.Parallel()
	ts := startServer(t)

	testContent := "Hello, FTP World!"
	ts.writeFile(t, "/test.txt", testContent)

	c := dialClient(t, ts.addr)

	// Download
	r, err := c.Retr("test.txt")
	fatalIfErr(t, err, "Retr failed")
	got, err := io.ReadAll(r)
	fatalIfErr(t, err, "read Retr data")
	fatalIfErr(t, r.Close(), "Retr close")
	if string(got) != testContent {
		t.Errorf("Expected %q, got %q", testContent, got)
	}

	// Upload
	upload := []byte("uploaded\nbytes\n")
	fatalIfErr(t, c.Stor("upload.bin", bytes.NewReader(upload)), "Stor failed")
	if got := ts.readFile(t, "/upload.bin"); got != string(upload) {
		t.Errorf("Uploaded content = %q, want %q", got, upload)
	}

	size, err := c.FileSize("upload.bin")
	fatalIfErr(t, err, "FileSize failed")
	if size != int64(len(upload)) {
		t.Errorf("FileSize = %d, want %d", size, len(upload))
	}

	// Directories
	fatalIfErr(t, c.MakeDir("docs"), "MakeDir failed")
	fatalIfErr(t, c.ChangeDir("docs"), "ChangeDir failed")
	dir, err := c.CurrentDir()
	fatalIfErr(t, err, "CurrentDir failed")
	if dir != "/docs" {
		t.Errorf("CurrentDir = %q, want /docs", dir)
	}
	fatalIfErr(t, c.Stor("inner.txt", strings.NewReader("inner")), "Stor in subdir failed")
	fatalIfErr(t, c.ChangeDirToParent(), "ChangeDirToParent failed")

	entries, err := c.List("")
	fatalIfErr(t, err, "List failed")
	types := map[string]ftp.EntryType{}
	for _, e := range entries {
		types[e.Name] = e.Type
	}
	if types["docs"] != ftp.EntryTypeFolder {
		t.Errorf("docs listed as %v, want folder", types["docs"])
	}
	if types["test.txt"] != ftp.EntryTypeFile {
		t.Errorf("test.txt listed as %v, want file", types["test.txt"])
	}

	names, err := c.NameList("docs")
	fatalIfErr(t, err, "NameList failed")
	if !slices.Equal(names, []string{"inner.txt"}) {
		t.Errorf("NameList = %v", names)
	}

	// Rename and delete
	fatalIfErr(t, c.Rename("test.txt", "renamed.txt"), "Rename failed")
	if _, err := c.FileSize("test.txt"); err == nil {
		t.Error("old name still exists after rename")
	}
	fatalIfErr(t, c.Delete("renamed.txt"), "Delete failed")
	fatalIfErr(t, c.Delete("docs/inner.txt"), "Delete inner failed")
	fatalIfErr(t, c.RemoveDir("docs"), "RemoveDir failed")

	if err := c.ChangeDir("docs"); err == nil {
		t.Error("ChangeDir into removed directory succeeded")
	}
	fatalIfErr(t, c.NoOp(), "NoOp failed")
}

func TestServer_Restart(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "/resume.txt", "0123456789")

	c := dialClient(t, ts.addr)

	r, err := c.RetrFrom("resume.txt", 5)
	fatalIfErr(t, err, "RetrFrom failed")
	got := readAll(t, r)
	fatalIfErr(t, r.Close(), "RetrFrom close")

	if got != "56789" {
		t.Errorf("Expected 56789, got %s", got)
	}
}

func TestServer_ResumedUpload(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "/partial.bin", "01234XXXX")

	c := dialClient(t, ts.addr)
	fatalIfErr(t, c.StorFrom("partial.bin", strings.NewReader("56789"), 5), "StorFrom failed")

	if got := ts.readFile(t, "/partial.bin"); got != "0123456789" {
		t.Errorf("resumed upload = %q, want 0123456789", got)
	}
}

func TestServer_ConcurrentSessions(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "/shared.txt", "shared")

	done := make(chan error, 4)
	for range 4 {
		go func() {
			c, err := ftp.Dial(ts.addr, ftp.DialWithTimeout(5*time.Second))
			if err != nil {
				done <- err
				return
			}
			defer c.Quit()
			if err := c.Login(testUser, testPass); err != nil {
				done <- err
				return
			}
			r, err := c.Retr("shared.txt")
			if err != nil {
				done <- err
				return
			}
			_, err = io.Copy(io.Discard, r)
			if cerr := r.Close(); err == nil {
				err = cerr
			}
			done <- err
		}()
	}
	for range 4 {
		require.NoError(t, <-done)
	}
}

func TestServer_ActiveMode(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "/active.txt", "active mode content")

	c := dialControl(t, ts.addr)
	c.login()
	c.cmd(200, "TYPE I")

	dl, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen for data")
	defer dl.Close()
	port := dl.Addr().(*net.TCPAddr).Port

	c.cmd(200, "PORT 127,0,0,1,%d,%d", port>>8, port&0xFF)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := dl.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	var data net.Conn
	select {
	case data = <-accepted:
		require.NotNil(t, data, "server never connected")
	case <-time.After(5 * time.Second):
		t.Fatal("server never connected")
	}
	defer data.Close()

	c.cmd(150, "RETR active.txt")
	assert.Equal(t, "active mode content", readAll(t, data))
	c.expect(226)
}

func TestServer_EPRT(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "/eprt.txt", "extended")

	c := dialControl(t, ts.addr)
	c.login()
	c.cmd(200, "TYPE I")

	dl, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen for data")
	defer dl.Close()
	port := dl.Addr().(*net.TCPAddr).Port

	c.cmd(200, "EPRT |1|127.0.0.1|%d|", port)
	data, err := dl.Accept()
	fatalIfErr(t, err, "accept data")
	defer data.Close()

	c.cmd(150, "RETR eprt.txt")
	assert.Equal(t, "extended", readAll(t, data))
	c.expect(226)
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	srv, err := NewServer("127.0.0.1:0",
		WithStorage(NewMemoryStorage()),
		WithAuthenticator(AuthenticatorFunc(func(context.Context, string, string) error { return nil })),
	)
	fatalIfErr(t, err, "NewServer")

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()

	select {
	case err := <-errChan:
		t.Fatalf("ListenAndServe failed immediately: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fatalIfErr(t, srv.Shutdown(ctx), "Shutdown failed")
	assert.ErrorIs(t, <-errChan, ErrServerClosed)
}

func TestNewServerRequiresStorageAndAuth(t *testing.T) {
	t.Parallel()

	auth := AuthenticatorFunc(func(context.Context, string, string) error { return nil })

	_, err := NewServer(":0", WithAuthenticator(auth))
	assert.Error(t, err)

	_, err = NewServer(":0", WithStorage(NewMemoryStorage()))
	assert.Error(t, err)

	_, err = NewServer(":0", WithStorage(NewMemoryStorage()), WithAuthenticator(auth))
	assert.NoError(t, err)
}
