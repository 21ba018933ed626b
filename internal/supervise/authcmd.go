package supervise

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Auth command resolutions.
const (
	ResolutionCompleted = "completed"
	ResolutionTimeout   = "timeout"
)

// AuthCommandResult is the outcome of one auth command invocation.
type AuthCommandResult struct {
	Resolution string        `json:"resolution"`
	Output     string        `json:"output"`
	Token      *oauth2.Token `json:"-"`
	Account    string        `json:"account,omitempty"`
}

// authResolution is how a running auth command ended: process exit or
// deadline, whichever lands first.
type authResolution struct {
	kind string
	err  error
}

// resolveGate delivers exactly one resolution no matter how many sources race
// to report one. The exit watcher and the timeout both go through it.
type resolveGate struct {
	once sync.Once
	ch   chan authResolution
}

func newResolveGate() *resolveGate {
	return &resolveGate{ch: make(chan authResolution, 1)}
}

// resolve reports whether this caller won the race.
func (g *resolveGate) resolve(r authResolution) bool {
	won := false
	g.once.Do(func() {
		g.ch <- r
		won = true
	})
	return won
}

// RunAuthCommand invokes the wrapped binary in auth mode (interactive
// provider login) and waits for it to finish. The command resolves exactly
// once: either the process exits or the configured timeout fires and the
// process is killed. Captured output is scanned for an OAuth token, which is
// persisted when a store is attached.
func (s *Supervisor) RunAuthCommand(database *gorm.DB, args ...string) (*AuthCommandResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	binPath := s.resolve.CurrentBinaryPath()
	if _, err := os.Stat(binPath); err != nil {
		return nil, proxyerr.New(proxyerr.CodeBinaryNotFound, "no promoted binary at %s", binPath)
	}

	var output bytes.Buffer
	cmd := exec.Command(binPath, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch auth command: %w", err)
	}

	// The watcher goroutine is the only Wait caller; the timer just kills.
	// Wait also owns the output buffer until it returns, so the timeout path
	// must drain the watcher before reading output.
	gate := newResolveGate()
	waitDone := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(waitDone)
		gate.resolve(authResolution{kind: ResolutionCompleted, err: err})
	}()
	timer := time.AfterFunc(s.cfg.AuthCommandTimeout, func() {
		if gate.resolve(authResolution{kind: ResolutionTimeout}) {
			cmd.Process.Kill()
		}
	})
	defer timer.Stop()

	res := <-gate.ch
	if res.kind == ResolutionTimeout {
		<-waitDone
	}

	result := &AuthCommandResult{
		Resolution: res.kind,
		Output:     output.String(),
	}

	if res.kind == ResolutionTimeout {
		return result, fmt.Errorf("auth command did not finish within %s", s.cfg.AuthCommandTimeout)
	}
	if res.err != nil {
		return result, fmt.Errorf("auth command failed: %w (output: %s)", res.err, strings.TrimSpace(output.String()))
	}

	if token := extractToken(output.Bytes()); token != nil {
		result.Token = token
		result.Account = accountFromToken(token)
		if database != nil {
			if raw, err := json.Marshal(token); err == nil {
				if err := db.SetConfigValue(database, models.KeyAuthToken, string(raw)); err != nil {
					log.Printf("⚠️ Failed to persist auth token: %v", err)
				}
			}
		}
		log.Printf("🔐 Auth command completed for account %s", result.Account)
	}
	return result, nil
}

// authTokenLine is the JSON shape the wrapped binary prints on successful
// login.
type authTokenLine struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// extractToken scans command output for a token JSON line.
func extractToken(out []byte) *oauth2.Token {
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var tl authTokenLine
		if err := json.Unmarshal(line, &tl); err != nil || tl.AccessToken == "" {
			continue
		}
		token := &oauth2.Token{
			AccessToken:  tl.AccessToken,
			RefreshToken: tl.RefreshToken,
			TokenType:    tl.TokenType,
		}
		if tl.ExpiresIn > 0 {
			token.Expiry = time.Now().Add(time.Duration(tl.ExpiresIn) * time.Second)
		}
		return token
	}
	return nil
}

// accountFromToken pulls an account identifier out of the access token's JWT
// claims without verifying the signature; the token came from our own child
// process.
func accountFromToken(token *oauth2.Token) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token.AccessToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}
