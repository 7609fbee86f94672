package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popupauth/internal/session"
	"popupauth/internal/storage"
	"popupauth/pkg/oauth"
)

// tokenEndpoint serves fixed token responses and records the grants it saw.
type tokenEndpoint struct {
	*httptest.Server

	mu     sync.Mutex
	grants []string
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	te := &tokenEndpoint{}
	te.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grant := r.PostForm.Get("grant_type")
		te.mu.Lock()
		te.grants = append(te.grants, grant)
		te.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch grant {
		case "authorization_code":
			fmt.Fprint(w, `{"access_token":"login-token","refresh_token":"R1","expires_in":3600,"scope":"openid"}`)
		case "refresh_token":
			fmt.Fprint(w, `{"access_token":"refreshed-token","expires_in":3600}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(te.Close)
	return te
}

func (te *tokenEndpoint) seen() []string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return append([]string(nil), te.grants...)
}

func oauthYAML(tokenURI, redirectURI string, refresh bool) string {
	return fmt.Sprintf(`oauth2:
  clientId: test-client
  authUri: https://idp.example.com/authorize
  redirectUri: %s
  tokenExchangeUri: %s
  scope: openid
  refreshAccessTokens: %t
`, redirectURI, tokenURI, refresh)
}

func TestStatusCommand_NoSession(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.execute(t, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Contains(t, out, "Not logged in.")
}

func TestStatusCommand_ValidSession(t *testing.T) {
	env := newTestEnv(t, "")
	env.saveSession(t, &oauth.TokenRecord{
		AccessToken:  "abcdefghijklmnopqrstuvwxyz",
		RefreshToken: "R1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Scope:        "openid email",
	})

	out, err := env.execute(t, "status", "--show-token=false")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
	assert.Contains(t, out, "present")
	assert.Contains(t, out, "openid email")
	assert.Contains(t, out, "abcdef...wxyz")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")

	out, err = env.execute(t, "status", "--show-token")
	require.NoError(t, err)
	assert.Contains(t, out, "abcdefghijklmnopqrstuvwxyz")
}

func TestStatusCommand_ExpiredSession(t *testing.T) {
	env := newTestEnv(t, "")
	env.saveSession(t, &oauth.TokenRecord{
		AccessToken: "A1",
		ExpiresAt:   time.Now().Add(-time.Minute).UnixMilli(),
	})

	out, err := env.execute(t, "status", "--show-token=false")
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
	assert.Contains(t, out, "expired")
	assert.Contains(t, out, "none")
}

func TestLogoutCommand(t *testing.T) {
	env := newTestEnv(t, "")
	env.saveSession(t, &oauth.TokenRecord{AccessToken: "A1"})

	out, err := env.execute(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out.")

	_, err = env.sessions(t).Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestTokenCommand(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		env := newTestEnv(t, "")

		out, err := env.execute(t, "token")
		require.Error(t, err)
		assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
		assert.Empty(t, out)
	})

	t.Run("valid session", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.saveSession(t, &oauth.TokenRecord{
			AccessToken: "abcdefghijklmnopqrstuvwxyz",
			ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		})

		out, err := env.execute(t, "token")
		require.NoError(t, err)
		assert.Equal(t, "abcdefghijklmnopqrstuvwxyz\n", out)
	})

	t.Run("expired session", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.saveSession(t, &oauth.TokenRecord{
			AccessToken: "A1",
			ExpiresAt:   time.Now().Add(-time.Minute).UnixMilli(),
		})

		out, err := env.execute(t, "token")
		require.Error(t, err)
		assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
		assert.Empty(t, out)
	})
}

func TestRestoreCommand(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		te := newTokenEndpoint(t)
		env := newTestEnv(t, oauthYAML(te.URL, "http://127.0.0.1:3999/callback", true))

		_, err := env.execute(t, "restore", "--watch=false", "--quiet=false")
		require.Error(t, err)
		assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
	})

	t.Run("valid session is kept", func(t *testing.T) {
		te := newTokenEndpoint(t)
		env := newTestEnv(t, oauthYAML(te.URL, "http://127.0.0.1:3999/callback", false))
		env.saveSession(t, &oauth.TokenRecord{
			AccessToken: "A1",
			ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
		})

		out, err := env.execute(t, "restore", "--watch=false", "--quiet=false")
		require.NoError(t, err)
		assert.Contains(t, out, "Session restored")
		assert.Empty(t, te.seen())
	})

	t.Run("expired session without refresh", func(t *testing.T) {
		te := newTokenEndpoint(t)
		env := newTestEnv(t, oauthYAML(te.URL, "http://127.0.0.1:3999/callback", false))
		env.saveSession(t, &oauth.TokenRecord{
			AccessToken:  "A1",
			RefreshToken: "R1",
			ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		})

		_, err := env.execute(t, "restore", "--watch=false")
		require.Error(t, err)
		assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
		assert.Empty(t, te.seen())
	})

	t.Run("expired session is refreshed and saved", func(t *testing.T) {
		te := newTokenEndpoint(t)
		env := newTestEnv(t, oauthYAML(te.URL, "http://127.0.0.1:3999/callback", true))
		env.saveSession(t, &oauth.TokenRecord{
			AccessToken:  "A1",
			RefreshToken: "R1",
			ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
			Scope:        "openid",
		})

		_, err := env.execute(t, "restore", "--watch=false", "--quiet")
		require.NoError(t, err)
		assert.Equal(t, []string{"refresh_token"}, te.seen())

		rec, err := env.sessions(t).Load()
		require.NoError(t, err)
		assert.Equal(t, "refreshed-token", rec.AccessToken)
		assert.Equal(t, "R1", rec.RefreshToken)
		assert.False(t, rec.IsExpired(time.Now()))
	})
}

// lockedBuffer is an io.Writer that can be read while a command writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRestoreCommand_WatchStopsOnLogout(t *testing.T) {
	te := newTokenEndpoint(t)
	env := newTestEnv(t, oauthYAML(te.URL, "http://127.0.0.1:3999/callback", true))
	env.saveSession(t, &oauth.TokenRecord{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	})

	out := &lockedBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"--config", env.configPath, "restore", "--watch", "--quiet=false"})
	defer rootCmd.SetArgs(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- rootCmd.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Keeping the session fresh")
	}, 10*time.Second, 10*time.Millisecond)

	// Another process logs out.
	require.NoError(t, env.sessions(t).Clear())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
		assert.ErrorIs(t, err, session.ErrNoSession)
	case <-time.After(10 * time.Second):
		t.Fatal("restore --watch did not stop after logout")
	}
	assert.Contains(t, out.String(), "Logged out elsewhere")
	assert.Empty(t, te.seen())
}

func freeRedirectURI(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "http://" + addr + "/callback"
}

func TestLoginCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("popup command needs sh")
	}

	te := newTokenEndpoint(t)
	redirectURI := freeRedirectURI(t)
	env := newTestEnv(t, oauthYAML(te.URL, redirectURI, false))

	// The popup records the login URL and stays open until it is closed.
	marker := filepath.Join(env.dir, "popup-url")
	popupYAML := fmt.Sprintf(`popup:
  command: ["sh", "-c", 'echo "$1" > %s; sleep 30', "popup", "{url}"]
`, marker)
	f, err := os.OpenFile(env.configPath, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(popupYAML)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := env.execute(t, "login", "--quiet", "--timeout", "20s", "--no-relay=false", "--watch=false")
		done <- result{out, err}
	}()

	var loginURL *url.URL
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		if err != nil || !strings.HasSuffix(string(data), "\n") {
			return false
		}
		loginURL, err = url.Parse(strings.TrimSpace(string(data)))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond, "popup was not opened")
	assert.Equal(t, "test-client", loginURL.Query().Get("client_id"))
	state := loginURL.Query().Get("state")
	require.NotEmpty(t, state)

	// Play the provider redirecting the popup to the landing page.
	require.Eventually(t, func() bool {
		resp, err := http.Get(redirectURI + "?code=the-code&state=" + url.QueryEscape(state))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond, "relay did not accept the redirect")

	var r result
	select {
	case r = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("login did not finish")
	}
	require.NoError(t, r.err)
	assert.Equal(t, []string{"authorization_code"}, te.seen())

	rec, err := env.sessions(t).Load()
	require.NoError(t, err)
	assert.Equal(t, "login-token", rec.AccessToken)
	assert.Equal(t, "R1", rec.RefreshToken)
	assert.NotZero(t, rec.ExpiresAt)
}

func TestLoginCommand_InvalidConfig(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.execute(t, "login", "--quiet", "--timeout", "1s")
	require.Error(t, err)

	var required *AuthRequiredError
	assert.False(t, errors.As(err, &required))
	assert.Equal(t, ExitCodeError, getExitCode(err))
}

func TestRelayCommand(t *testing.T) {
	t.Run("requires redirect URI", func(t *testing.T) {
		env := newTestEnv(t, "")

		_, err := env.execute(t, "relay")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redirectUri")
	})

	t.Run("relays code into storage", func(t *testing.T) {
		redirectURI := freeRedirectURI(t)
		env := newTestEnv(t, fmt.Sprintf("oauth2:\n  redirectUri: %s\n", redirectURI))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			rootCmd.SetArgs([]string{"--config", env.configPath, "relay"})
			done <- rootCmd.ExecuteContext(ctx)
		}()

		require.Eventually(t, func() bool {
			resp, err := http.Get(redirectURI + "?code=relayed&state=s1")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 10*time.Second, 20*time.Millisecond)

		channel, err := storage.NewFileChannel(env.storageDir, storage.WithoutWatcher())
		require.NoError(t, err)
		defer channel.Close()

		raw, err := channel.Get("authcode")
		require.NoError(t, err)
		assert.JSONEq(t, `{"code":"relayed","state":"s1"}`, raw)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("relay did not stop")
		}
		rootCmd.SetArgs(nil)
	})
}
