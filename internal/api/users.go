package api

import (
	"context"
	"net/http"
	"net/url"
)

// ActivateUser enables a user account
func (c *Client) ActivateUser(ctx context.Context, username string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/users/"+url.PathEscape(username)+"/activate", nil)
}

// DeactivateUser disables a user account
func (c *Client) DeactivateUser(ctx context.Context, username string) (ActionResult, error) {
	return c.action(ctx, http.MethodPost, "/users/"+url.PathEscape(username)+"/deactivate", nil)
}

// DeleteUser removes a user account
func (c *Client) DeleteUser(ctx context.Context, username string) (ActionResult, error) {
	return c.action(ctx, http.MethodDelete, "/users/"+url.PathEscape(username), nil)
}
