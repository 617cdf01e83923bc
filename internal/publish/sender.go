package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SendRequest carries everything a platform sender needs for one post.
type SendRequest struct {
	Caption     string
	Hashtags    []string
	ImageURL    string
	Handle      string
	AccessToken string
}

// SendResponse is the platform's acknowledgment of a created post.
type SendResponse struct {
	PlatformPostID  string
	PlatformPostURL string
}

// SendError is a classified platform failure. Code is one of the publish
// failure codes; senders fall back to CodeUnknown for anything they cannot
// classify, which keeps the failure retryable.
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sender posts content to one platform.
type Sender interface {
	Platform() string
	Send(ctx context.Context, req SendRequest) (SendResponse, error)
}

// Registry routes posts to senders by platform name.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry builds a Registry from the given senders. Later senders for
// the same platform win.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Platform()] = s
	}
	return r
}

// Lookup returns the sender for a platform.
func (r *Registry) Lookup(platform string) (Sender, bool) {
	s, ok := r.senders[platform]
	return s, ok
}

// HTTPSender posts through a platform's REST endpoint. All three supported
// platforms use the same body shape behind different base URLs, so one
// implementation covers them; classification of the response status is what
// actually matters to the dispatcher.
type HTTPSender struct {
	platform string
	baseURL  string
	client   *http.Client
}

// NewHTTPSender creates a sender for one platform API.
func NewHTTPSender(platform, baseURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		platform: platform,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Platform() string { return s.platform }

func (s *HTTPSender) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	text := req.Caption
	if len(req.Hashtags) > 0 {
		text = text + "\n\n" + strings.Join(req.Hashtags, " ")
	}

	body, err := json.Marshal(map[string]any{
		"text":      text,
		"image_url": req.ImageURL,
		"handle":    req.Handle,
	})
	if err != nil {
		return SendResponse{}, &SendError{Code: CodeUnknown, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/posts", bytes.NewReader(body))
	if err != nil {
		return SendResponse{}, &SendError{Code: CodeUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SendResponse{}, &SendError{Code: CodeUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return SendResponse{}, &SendError{Code: CodeUnknown, Message: fmt.Sprintf("decoding response: %v", err)}
		}
		return SendResponse{PlatformPostID: ack.ID, PlatformPostURL: ack.URL}, nil
	}

	return SendResponse{}, classifyStatus(resp)
}

// classifyStatus maps platform HTTP failures onto publish failure codes.
// A body-level code takes precedence over the status heuristic when present.
func classifyStatus(resp *http.Response) *SendError {
	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)

	if apiErr.Code != "" {
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("platform returned status %d", resp.StatusCode)
		}
		return &SendError{Code: apiErr.Code, Message: msg}
	}

	code := CodeUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = CodeTokenExpired
	case http.StatusForbidden:
		code = CodeInsufficientPermissions
	case http.StatusUnprocessableEntity:
		code = CodeContentPolicyViolation
	}
	return &SendError{Code: code, Message: fmt.Sprintf("platform returned status %d", resp.StatusCode)}
}

// asSendError extracts the classified code from any sender error, defaulting
// to CodeUnknown for plain errors (including context cancellation).
func asSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Code: CodeUnknown, Message: err.Error()}
}
