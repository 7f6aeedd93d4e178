package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chatter/internal/api"
	"chatter/internal/config"
)

// AddUser creates a user through the admin API and prints its first token.
func AddUser(ctx context.Context, cfg *config.Config, username string, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := callAdmin(ctx, cfg, "/admin/users", reqBody)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	printToken(out, result)
	_, _ = fmt.Fprintln(out, "Please share this token with the user; it is shown only once.")
	return nil
}

// IssueToken asks the admin API for a fresh token of an existing user.
func IssueToken(ctx context.Context, cfg *config.Config, userID string, out io.Writer) error {
	result, err := callAdmin(ctx, cfg, "/admin/users/"+url.PathEscape(userID)+"/token", nil)
	if err != nil {
		return err
	}
	printToken(out, result)
	return nil
}

func callAdmin(ctx context.Context, cfg *config.Config, path string, body []byte) (api.AddUserResponse, error) {
	var result api.AddUserResponse

	u := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return result, fmt.Errorf("admin request failed (Status: %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("admin request failed: %s", result.Message)
	}
	return result, nil
}

func printToken(out io.Writer, result api.AddUserResponse) {
	_, _ = fmt.Fprintf(out, "Username:          %s\n", result.Username)
	_, _ = fmt.Fprintf(out, "User ID:           %s\n", result.UserID)
	_, _ = fmt.Fprintf(out, "Token:             %s\n", result.Token)
	_, _ = fmt.Fprintf(out, "Expires:           %s\n\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))
}
