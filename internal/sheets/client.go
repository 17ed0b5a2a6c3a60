// Package sheets duplicates and shares template spreadsheets through the
// Google Drive API.
package sheets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Scopes requested for the service account.
var Scopes = []string{
	drive.DriveScope,
	"https://www.googleapis.com/auth/spreadsheets",
}

// ErrEmptyResponse is returned when the provider answers without a file id.
var ErrEmptyResponse = errors.New("sheets: provider returned no file id")

// Credentials locates a service account key.
type Credentials struct {
	Base64 string
	File   string
}

// JSON returns the decoded service account key.
func (c Credentials) JSON() ([]byte, error) {
	switch {
	case strings.TrimSpace(c.Base64) != "":
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Base64))
		if err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
		return raw, nil
	case strings.TrimSpace(c.File) != "":
		raw, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		return raw, nil
	}
	return nil, errors.New("sheets: no credentials configured")
}

// Options tune how the client reaches the provider.
type Options struct {
	// Endpoint overrides the Drive base URL.
	Endpoint string
	// HTTPClient replaces the authenticated transport. Used with Endpoint in tests.
	HTTPClient *http.Client
	// NotifyOnShare sends the provider's share notification e-mail.
	NotifyOnShare bool
}

// Client is a long-lived Drive API connection.
type Client struct {
	files  *drive.FilesService
	perms  *drive.PermissionsService
	notify bool
}

// New authenticates with the service account key and opens a Drive client.
func New(ctx context.Context, creds Credentials, opts Options) (*Client, error) {
	clientOpts := make([]option.ClientOption, 0, 3)
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	} else {
		key, err := creds.JSON()
		if err != nil {
			return nil, err
		}
		cfg, err := google.JWTConfigFromJSON(key, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		clientOpts = append(clientOpts, option.WithTokenSource(cfg.TokenSource(ctx)))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("open drive service: %w", err)
	}
	return &Client{files: svc.Files, perms: svc.Permissions, notify: opts.NotifyOnShare}, nil
}

// Duplicate copies templateID into a new spreadsheet named title.
func (c *Client) Duplicate(ctx context.Context, templateID, title string) (string, error) {
	if templateID == "" {
		return "", errors.New("sheets: template id required")
	}
	file, err := c.files.Copy(templateID, &drive.File{Name: title}).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", wrap("copy "+templateID, err)
	}
	if file == nil || file.Id == "" {
		return "", ErrEmptyResponse
	}
	return file.Id, nil
}

// Share grants email writer access to fileID.
func (c *Client) Share(ctx context.Context, fileID, email string) error {
	if email == "" {
		return errors.New("sheets: share address required")
	}
	perm := &drive.Permission{Type: "user", Role: "writer", EmailAddress: email}
	_, err := c.perms.Create(fileID, perm).
		SendNotificationEmail(c.notify).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return wrap("share "+fileID, err)
	}
	return nil
}

func wrap(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return fmt.Errorf("sheets: %s: status %d: %w", op, gErr.Code, err)
	}
	return fmt.Errorf("sheets: %s: %w", op, err)
}
