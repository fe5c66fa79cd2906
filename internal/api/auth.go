package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type User struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type authResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Token   string `json:"token"`
	User    *User  `json:"user"`
	Name    string `json:"name"`
}

func (r authResponse) user() User {
	if r.User != nil && r.User.Name != "" {
		return *r.User
	}
	return User{Name: r.Name}
}

// Login authenticates and stores the session cookie, plus the bearer token
// when the backend returns one.
func (c *Client) Login(ctx context.Context, name, password string) (User, error) {
	return c.authenticate(ctx, "/user/login", map[string]string{"name": name, "password": password})
}

func (c *Client) Register(ctx context.Context, name, email, password string) (User, error) {
	return c.authenticate(ctx, "/user/register", map[string]string{"name": name, "email": email, "password": password})
}

func (c *Client) authenticate(ctx context.Context, path string, body map[string]string) (User, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return User{}, err
	}
	if resp.Success != nil && !*resp.Success {
		return User{}, errors.New(resp.Message)
	}
	if resp.Token != "" {
		c.SetToken(resp.Token)
	}
	u := resp.user()
	if u.Name == "" {
		u.Name = body["name"]
	}
	return u, nil
}

// Logout ends the session on the server and drops the local token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/user/logout", nil, map[string]string{}, nil)
	c.SetToken("")
	if errors.Is(err, ErrUnauthorized) {
		return nil
	}
	return err
}

// Me returns the user bound to the current session.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodGet, "/user/auth/me", nil, nil, &resp); err != nil {
		return User{}, err
	}
	u := resp.user()
	if u.Name == "" {
		return User{}, ErrUnauthorized
	}
	return u, nil
}

// AllUsers lists registered user names. Entries may be plain names or
// objects carrying a name.
func (c *Client) AllUsers(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/user/all-users", nil, nil, &raw); err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapped struct {
			Users []json.RawMessage `json:"users"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		entries = wrapped.Users
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		var name string
		if err := json.Unmarshal(e, &name); err != nil {
			var u struct {
				Name     string `json:"name"`
				Username string `json:"username"`
			}
			if json.Unmarshal(e, &u) != nil {
				continue
			}
			name = u.Name
			if name == "" {
				name = u.Username
			}
		}
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
