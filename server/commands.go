package server

// Predefined command groups for use with WithDisableCommands.
//
// Example usage:
//
//	// Create a read-only server
//	srv, _ := server.NewServer(":21",
//	    server.WithStorage(storage),
//	    server.WithAuthenticator(auth),
//	    server.WithDisableCommands(server.WriteCommands...),
//	)
var (
	// LegacyCommands contains the X* command variants from RFC 775.
	//
	// Commands: XCWD, XCUP, XPWD, XMKD, XRMD
	LegacyCommands = []string{
		"XCWD",
		"XCUP",
		"XPWD",
		"XMKD",
		"XRMD",
	}

	// ActiveModeCommands contains commands that make the server dial the
	// client for data connections.
	//
	// Commands: PORT, EPRT
	//
	// Use case: servers behind NAT, or hardening against bounce attacks.
	ActiveModeCommands = []string{
		"PORT",
		"EPRT",
	}

	// WriteCommands contains all commands that modify storage.
	//
	// Commands: STOR, DELE, RMD, XRMD, MKD, XMKD, RNFR, RNTO
	//
	// Use case: distribution servers that never accept uploads.
	WriteCommands = []string{
		"STOR",
		"DELE",
		"RMD",
		"XRMD",
		"MKD",
		"XMKD",
		"RNFR",
		"RNTO",
	}
)

// command is one entry of the dispatch table.
type command struct {
	handler      func(s *session, arg string) (flow, error)
	requiresAuth bool
}

// commandTable maps upper-case verbs to their handlers. NewServer copies it
// once, minus any disabled verbs; it is never modified afterwards.
var commandTable = map[string]command{
	// Access control
	"USER": {(*session).handleUSER, false},
	"PASS": {(*session).handlePASS, false},
	"QUIT": {(*session).handleQUIT, false},
	"REIN": {(*session).handleREIN, true},

	// Informational
	"SYST": {(*session).handleSYST, false},
	"NOOP": {(*session).handleNOOP, false},
	"FEAT": {(*session).handleFEAT, false},
	"HELP": {(*session).handleHELP, false},
	"OPTS": {(*session).handleOPTS, false},
	"STAT": {(*session).handleSTAT, true},

	// Transfer parameters
	"TYPE": {(*session).handleTYPE, true},
	"STRU": {(*session).handleSTRU, true},
	"MODE": {(*session).handleMODE, true},
	"REST": {(*session).handleREST, true},
	"ALLO": {(*session).handleALLO, true},

	// Data connection negotiation
	"PORT": {(*session).handlePORT, true},
	"EPRT": {(*session).handleEPRT, true},
	"PASV": {(*session).handlePASV, true},
	"EPSV": {(*session).handleEPSV, true},

	// Transfers
	"RETR": {(*session).handleRETR, true},
	"STOR": {(*session).handleSTOR, true},
	"LIST": {(*session).handleLIST, true},
	"NLST": {(*session).handleNLST, true},
	"ABOR": {(*session).handleABOR, true},

	// Directories and files
	"PWD":  {(*session).handlePWD, true},
	"XPWD": {(*session).handlePWD, true},
	"CWD":  {(*session).handleCWD, true},
	"XCWD": {(*session).handleCWD, true},
	"CDUP": {(*session).handleCDUP, true},
	"XCUP": {(*session).handleCDUP, true},
	"MKD":  {(*session).handleMKD, true},
	"XMKD": {(*session).handleMKD, true},
	"RMD":  {(*session).handleRMD, true},
	"XRMD": {(*session).handleRMD, true},
	"DELE": {(*session).handleDELE, true},
	"RNFR": {(*session).handleRNFR, true},
	"RNTO": {(*session).handleRNTO, true},
	"SIZE": {(*session).handleSIZE, true},
}

// buildCommands returns the dispatch table with disabled verbs removed.
func buildCommands(disabled map[string]bool) map[string]command {
	cmds := make(map[string]command, len(commandTable))
	for verb, c := range commandTable {
		if disabled[verb] {
			continue
		}
		cmds[verb] = c
	}
	return cmds
}
