// Package cms defines the boundary between the execution engine and the
// screen-scraped admin flows of remote content-management sites.
package cms

import (
	"context"
	"fmt"
	"time"
)

// SiteConfig is the immutable connection profile passed by value into
// adapter calls.
type SiteConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Category is one (value, label) pair offered by a site's posting form
type Category struct {
	Value string
	Label string
}

// Session is one authenticated submission channel to a site. Sessions are
// not safe for concurrent use; callers serialize access per site identity.
type Session interface {
	// Submit posts one article and returns the remote response body on
	// success.
	Submit(ctx context.Context, category, title, body string) (string, error)
}

// Adapter drives one CMS product's login, probe and submission flows
type Adapter interface {
	// OpenSession logs into the site and returns a handle for submissions.
	OpenSession(ctx context.Context, cfg SiteConfig) (Session, error)
	// ListCategories probes the site for its posting categories.
	ListCategories(ctx context.Context, cfg SiteConfig) ([]Category, error)
}

// AuthError indicates the site rejected the configured credentials
type AuthError struct {
	Site   string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Site, e.Reason)
}

// ProtocolError indicates the site's page structure did not match the
// scraped flow the adapter expects.
type ProtocolError struct {
	Site   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected page structure at %s: %s", e.Site, e.Reason)
}
