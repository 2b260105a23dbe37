package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Token is the persisted OAuth credential set for one Twitch account.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expired reports whether the access token is past (or within a minute of)
// its expiry.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != 0 && now.Unix() >= t.ExpiresAt-60
}

// tokenPath names the credential file inside dir: twitch_token.json for the
// default instance, twitch_token_{name}.json for a named one.
func tokenPath(dir, instanceName string) string {
	if instanceName == "" {
		return filepath.Join(dir, "twitch_token.json")
	}
	return filepath.Join(dir, "twitch_token_"+instanceName+".json")
}

// loadToken reads a persisted token file.
func loadToken(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("twitch: parse token file %s: %w", path, err)
	}
	return t, nil
}

// saveToken persists t with owner-only permissions.
func saveToken(path string, t Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("twitch: write token file %s: %w", path, err)
	}
	return nil
}

const defaultOAuthURL = "https://id.twitch.tv/oauth2/token"

// refreshToken exchanges the refresh token for a fresh access token at the
// Twitch OAuth endpoint and returns the new credential set.
func refreshToken(ctx context.Context, client *http.Client, oauthURL, clientID, clientSecret string, old Token) (Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {old.RefreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("twitch: refresh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("twitch: refresh HTTP %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("twitch: decode refresh response: %w", err)
	}

	now := time.Now().Unix()
	t := Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		CreatedAt:    now,
		ExpiresAt:    now + body.ExpiresIn,
	}
	if t.RefreshToken == "" {
		// Twitch may omit the refresh token when it hasn't rotated.
		t.RefreshToken = old.RefreshToken
	}
	return t, nil
}
