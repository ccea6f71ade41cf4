package server

import (
	"context"
	"time"
)

// authTimeout bounds a single Authenticator call.
const authTimeout = 30 * time.Second

func (s *session) handleUSER(user string) (flow, error) {
	// A new USER starts a new login.
	s.pendingUser = user
	s.user = ""
	s.loggedIn = false
	s.respond(331)
	return flowContinue, nil
}

// handlePASS checks the credentials on a helper goroutine; the session is
// suspended until the Authenticator answers.
func (s *session) handlePASS(pass string) (flow, error) {
	if s.pendingUser == "" {
		s.reply(503, "Login with USER first.")
		return flowContinue, nil
	}

	user := s.pendingUser
	ctx, cancel := context.WithTimeout(s.ctx, authTimeout)
	s.goAsync(func() {
		defer cancel()
		err := s.server.auth.Authenticate(ctx, user, pass)
		s.loop.post(func() { s.authenticated(user, err) })
	})
	return flowSuspend, nil
}

func (s *session) authenticated(user string, err error) {
	if s.closed {
		return
	}
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(err == nil, user)
	}

	if err != nil {
		// Security audit: failed authentication
		s.logger.Warn("authentication_failed",
			"user", user,
			"reason", err.Error(),
		)
		s.reply(530, "Login incorrect.")
		s.resume()
		return
	}

	s.user = user
	s.loggedIn = true
	// Security audit: successful authentication
	s.logger.Info("authentication_success", "user", user)
	s.respond(230)
	s.resume()
}

func (s *session) handleQUIT(string) (flow, error) {
	s.respond(221)
	s.close()
	return flowContinue, nil
}

// handleREIN acknowledges a reinitialization request. The login and
// transfer parameters are kept.
func (s *session) handleREIN(string) (flow, error) {
	s.reply(230, "Ready for new user.")
	return flowContinue, nil
}
