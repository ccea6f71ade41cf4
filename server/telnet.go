package server

import "bufio"

// Telnet command bytes that may appear on the control connection (RFC 854).
// Clients send IAC IP IAC DM ahead of ABOR; all of them are dropped.
const (
	telnetIAC  = 0xFF
	telnetDONT = 0xFE
	telnetDO   = 0xFD
	telnetWONT = 0xFC
	telnetWILL = 0xFB
	telnetIP   = 0xF4
	telnetDM   = 0xF2
)

// telnetByteReader returns control connection bytes with Telnet command
// sequences removed. An escaped IAC (IAC IAC) is returned as a single 0xFF.
type telnetByteReader struct {
	r *bufio.Reader
}

func (t telnetByteReader) ReadByte() (byte, error) {
	for {
		b, err := t.r.ReadByte()
		if err != nil || b != telnetIAC {
			return b, err
		}

		cmd, err := t.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch cmd {
		case telnetIAC:
			return telnetIAC, nil
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Option negotiation carries one more byte.
			if _, err := t.r.ReadByte(); err != nil {
				return 0, err
			}
		}
	}
}
