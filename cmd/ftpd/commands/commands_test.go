package commands

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/config"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgFile, initForce, hashCost, serveListen = "", false, auth.DefaultCost, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	Version, Commit, Date = "1.2.3", "abc", "today"
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "ftpd 1.2.3 (commit: abc, built: today)\n", out)
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.yaml")

	out, err := execute(t, "", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Listen, cfg.Listen)

	_, err = execute(t, "", "init", "--config", path)
	assert.Error(t, err, "existing file must not be overwritten")

	_, err = execute(t, "", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password", "--cost", "4")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, 4, cost)

	_, err = execute(t, "\n", "hash-password")
	assert.ErrorIs(t, err, auth.ErrPasswordEmpty)
}

func TestUnknownStorageRejected(t *testing.T) {
	_, err := openStorage(context.Background(), config.StorageConfig{Type: "tape"})
	assert.Error(t, err)

	_, err = openStorage(context.Background(), config.StorageConfig{Type: "s3", ReadOnly: true})
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := auth.HashPasswordWithCost("pw", bcrypt.MinCost)
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("read me"), 0o644))

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Storage = config.StorageConfig{Type: "os", Root: root}
	cfg.Auth.Users = []config.UserConfig{{Name: "alice", PasswordHash: hash}}
	cfg.Logging.Output = filepath.Join(t.TempDir(), "ftpd.log")
	cfg.TransferLog = filepath.Join(t.TempDir(), "xferlog")
	cfg.Metrics = config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}
	cfg.ShutdownTimeout = config.Duration(5 * time.Second)
	return cfg
}

func TestDaemonServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := newDaemon(ctx, cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, ln) }()

	c, err := ftp.Dial(ln.Addr().String(), ftp.DialWithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Error(t, c.Login("alice", "wrong"))
	require.NoError(t, c.Login("alice", "pw"))

	r, err := c.Retr("readme.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "read me", string(data))
	require.NoError(t, c.Quit())

	resp, err := http.Get("http://" + d.metricsAddr.String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `ftpd_transfers_total{operation="RETR"} 1`)
	assert.Contains(t, string(body), `ftpd_authentications_total{result="error"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	xfer, err := os.ReadFile(cfg.TransferLog)
	require.NoError(t, err)
	assert.Contains(t, string(xfer), "readme.txt")

	logs, err := os.ReadFile(cfg.Logging.Output)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "server stopped gracefully")
}

func TestDaemonReloadsUsers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	path := filepath.Join(t.TempDir(), "ftpd.yaml")
	require.NoError(t, config.Save(cfg, path))

	loader := config.NewLoader(path)
	loaded, err := loader.Load()
	require.NoError(t, err)

	d, err := newDaemon(context.Background(), loaded)
	require.NoError(t, err)
	defer d.close(context.Background())
	d.watch(loader)

	bobHash, err := auth.HashPasswordWithCost("builder", bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Auth.Users = append(cfg.Auth.Users, config.UserConfig{Name: "bob", PasswordHash: bobHash})
	require.NoError(t, config.Save(cfg, path))

	require.Eventually(t, func() bool {
		return d.users.Authenticate(context.Background(), "bob", "builder") == nil
	}, 10*time.Second, 50*time.Millisecond)
}
