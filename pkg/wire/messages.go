package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/simperium/simperium.go/internal/codec"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
)

var payloads codec.Codec = codec.JSON{}

// Init is the channel handshake.
type Init struct {
	ClientID string `json:"clientid"`
	API      string `json:"api"`
	Token    string `json:"token"`
	AppID    string `json:"app_id"`
	Name     string `json:"name"`
	Library  string `json:"library"`
	Version  string `json:"version"`
}

// AuthError is the server's refusal of an init.
type AuthError struct {
	Code    int64
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%d): %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return constants.ErrAuthFailed
}

// ParseAuth returns the authenticated user, or an *AuthError.
func ParseAuth(payload string) (string, error) {
	p := strings.TrimSpace(payload)
	if !strings.HasPrefix(p, "{") {
		if p == "" {
			return "", &AuthError{Code: 401, Message: "empty auth response"}
		}
		return p, nil
	}
	data := []byte(p)
	code, err := jsonparser.GetInt(data, "code")
	if err != nil {
		code = 401
	}
	msg, _ := jsonparser.GetString(data, "msg")
	return "", &AuthError{Code: code, Message: msg}
}

// IndexRequest asks for one index page with object data, starting at mark.
func IndexRequest(mark string, limit int) string {
	return "1:" + mark + "::" + strconv.Itoa(limit)
}

// ParseIndexRequest is the server side of IndexRequest.
func ParseIndexRequest(payload string) (mark string, limit int, err error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 {
		return "", 0, fmt.Errorf("%w: index request %q", constants.ErrInvalidFrame, payload)
	}
	if limit, err = strconv.Atoi(parts[3]); err != nil {
		return "", 0, fmt.Errorf("%w: index limit %q", constants.ErrInvalidFrame, parts[3])
	}
	return parts[1], limit, nil
}

type Entity struct {
	Key     string         `json:"key"`
	Version models.Version `json:"version"`
	Data    map[string]any `json:"data"`
}

// IndexPage is one page of the remote catalog. An empty Mark ends the run.
// Current is the change version the index was taken at.
type IndexPage struct {
	Entities []Entity `json:"entities"`
	Mark     string   `json:"mark,omitempty"`
	Current  string   `json:"current,omitempty"`
}

// ChangeRequest is a local change sent to the server.
type ChangeRequest struct {
	ClientID      string            `json:"clientid"`
	CCID          string            `json:"ccid"`
	ID            string            `json:"id"`
	Op            string            `json:"o"`
	SourceVersion models.Version    `json:"sv,omitempty"`
	Diff          schema.ObjectDiff `json:"diff,omitempty"`
}

// Change is one entry of a server change notification. Error is set, and
// Diff empty, when the server rejected one of our changes.
type Change struct {
	ClientID      string            `json:"clientid"`
	ID            string            `json:"id"`
	Op            string            `json:"o"`
	SourceVersion models.Version    `json:"sv,omitempty"`
	Version       models.Version    `json:"v,omitempty"`
	ChangeVersion string            `json:"cv,omitempty"`
	CCIDs         []string          `json:"ccids,omitempty"`
	Diff          schema.ObjectDiff `json:"diff,omitempty"`
	Error         int               `json:"error,omitempty"`
}

// Server change error codes.
const (
	ErrCodeAuth      = 401
	ErrCodeNotFound  = 404
	ErrCodeConflict  = 409
	ErrCodeEmpty     = 412
	ErrCodeBadDiff   = 400
	ErrCodeTooLarge  = 413
	StaleChangeIndex = "?"
)

func ParseChanges(payload string) ([]Change, error) {
	var out []Change
	if err := payloads.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("%w: changes: %v", constants.ErrInvalidFrame, err)
	}
	return out, nil
}

func ParseIndexPage(payload string) (IndexPage, error) {
	var page IndexPage
	if err := payloads.Unmarshal([]byte(payload), &page); err != nil {
		return IndexPage{}, fmt.Errorf("%w: index page: %v", constants.ErrInvalidFrame, err)
	}
	return page, nil
}

// EntityRequest asks for key, at version when given.
func EntityRequest(key string, version models.Version) string {
	if version.IsZero() {
		return key
	}
	return key + "." + version.String()
}

// ParseEntityRequest is the server side of EntityRequest.
func ParseEntityRequest(payload string) (string, models.Version) {
	i := strings.LastIndexByte(payload, '.')
	if i < 0 {
		return payload, models.NoVersion
	}
	return payload[:i], models.Version(payload[i+1:])
}

// EntityResponse carries an object at a version. Data is nil when the
// server has no such object or version.
type EntityResponse struct {
	Key     string
	Version models.Version
	Data    map[string]any
}

func (e EntityResponse) Payload() (string, error) {
	body := "?"
	if e.Data != nil {
		raw, err := payloads.Marshal(e.Data)
		if err != nil {
			return "", err
		}
		body = string(raw)
	}
	return e.Key + "." + e.Version.String() + "\n" + body, nil
}

func ParseEntity(payload string) (EntityResponse, error) {
	head, body, ok := strings.Cut(payload, "\n")
	if !ok {
		return EntityResponse{}, fmt.Errorf("%w: entity without body", constants.ErrInvalidFrame)
	}
	key, version := ParseEntityRequest(head)
	if key == "" || version.IsZero() {
		return EntityResponse{}, fmt.Errorf("%w: entity header %q", constants.ErrInvalidFrame, head)
	}
	resp := EntityResponse{Key: key, Version: version}
	if strings.TrimSpace(body) == "?" {
		return resp, nil
	}
	if err := payloads.Unmarshal([]byte(body), &resp.Data); err != nil {
		return EntityResponse{}, fmt.Errorf("%w: entity body: %v", constants.ErrInvalidFrame, err)
	}
	return resp, nil
}

// Encode marshals v into a frame payload.
func Encode(v any) (string, error) {
	raw, err := payloads.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
