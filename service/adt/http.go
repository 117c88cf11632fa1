package adt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/remdap/remdap/pkg/logflags"
)

// ConnectionOptions holds everything needed to reach one remote debugger.
type ConnectionOptions struct {
	BaseURL  string
	Username string
	Password string
	// Client is the remote system client/tenant, sent with every request
	// when non-empty.
	Client string
}

// HTTPClient implements Client against the remote debugger's HTTP API.
// The remote session is tracked through cookies, so one HTTPClient holds
// one remote debugger session.
type HTTPClient struct {
	opts ConnectionOptions
	base *url.URL
	// hc serves request/response calls with a request timeout.
	hc *http.Client
	// pollc serves the long-poll listener call and carries no timeout;
	// the remote side bounds the poll itself.
	pollc    *http.Client
	log      *logrus.Entry
	attached string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the remote debugger at opts.BaseURL.
func NewHTTPClient(opts ConnectionOptions) (*HTTPClient, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid remote debugger URL %q", opts.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		opts:  opts,
		base:  base,
		hc:    &http.Client{Jar: jar, Timeout: 60 * time.Second},
		pollc: &http.Client{Jar: jar},
		log:   logflags.RPCLogger(),
	}, nil
}

func (c *HTTPClient) endpoint(p string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	if c.opts.Client != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("client", c.opts.Client)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, hc *http.Client, method, path string, q url.Values, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rd)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.opts.Username, c.opts.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.log.Debugf("[-> remote] %s %s", method, path)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: reading response", method, path)
	}
	c.log.Debugf("[<- remote] %s %s: %d (%d bytes)", method, path, resp.StatusCode, len(data))
	if resp.StatusCode >= 400 {
		return data, errors.Errorf("%s %s: remote returned %s: %s", method, path, resp.Status, firstLine(data))
	}
	return data, nil
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *HTTPClient) Attach(ctx context.Context, debuggeeID string) error {
	q := url.Values{"debuggeeId": []string{debuggeeID}}
	if _, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/attach", q, nil); err != nil {
		return err
	}
	c.attached = debuggeeID
	return nil
}

func (c *HTTPClient) Detach(ctx context.Context) error {
	if c.attached == "" {
		return nil
	}
	c.attached = ""
	_, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/detach", nil, nil)
	return err
}

func (c *HTTPClient) RepositionCursor(ctx context.Context, stackRef string) error {
	if c.attached == "" {
		return ErrNotAttached
	}
	q := url.Values{"entry": []string{stackRef}}
	_, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/stack/goto", q, nil)
	return err
}

func (c *HTTPClient) StackTrace(ctx context.Context) ([]StackEntry, error) {
	if c.attached == "" {
		return nil, ErrNotAttached
	}
	data, err := c.do(ctx, c.hc, http.MethodGet, "/debugger/stack", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []StackEntry
	for _, e := range gjson.GetBytes(data, "stack").Array() {
		out = append(out, StackEntry{
			Ref:         e.Get("ref").String(),
			Line:        int(e.Get("line").Int()),
			Source:      SourceRef{URI: e.Get("source.uri").String(), Name: e.Get("source.name").String()},
			Description: e.Get("description").String(),
		})
	}
	return out, nil
}

func (c *HTTPClient) Step(ctx context.Context, mode StepMode, stackRef string) (*DebugStep, error) {
	if c.attached == "" {
		return nil, ErrNotAttached
	}
	q := url.Values{"mode": []string{string(mode)}}
	if stackRef != "" {
		q.Set("entry", stackRef)
	}
	data, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/step", q, nil)
	if err != nil {
		return nil, err
	}
	return &DebugStep{
		Reason: gjson.GetBytes(data, "reason").String(),
		URI:    gjson.GetBytes(data, "uri").String(),
		Line:   int(gjson.GetBytes(data, "line").Int()),
		Exited: gjson.GetBytes(data, "exited").Bool(),
	}, nil
}

func (c *HTTPClient) RootVariables(ctx context.Context) ([]DebugVariable, error) {
	if c.attached == "" {
		return nil, ErrNotAttached
	}
	data, err := c.do(ctx, c.hc, http.MethodGet, "/debugger/variables/root", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeVariables(data), nil
}

func (c *HTTPClient) ExpandChildren(ctx context.Context, parents []string) ([]DebugVariable, error) {
	if c.attached == "" {
		return nil, ErrNotAttached
	}
	data, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/variables/children", nil,
		map[string][]string{"parents": parents})
	if err != nil {
		return nil, err
	}
	return decodeVariables(data), nil
}

func (c *HTTPClient) FetchVariables(ctx context.Context, keys []string) ([]DebugVariable, error) {
	if c.attached == "" {
		return nil, ErrNotAttached
	}
	data, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/variables/values", nil,
		map[string][]string{"keys": keys})
	if err != nil {
		return nil, err
	}
	return decodeVariables(data), nil
}

func (c *HTTPClient) SetVariableValue(ctx context.Context, path, value string) (string, error) {
	if c.attached == "" {
		return "", ErrNotAttached
	}
	q := url.Values{"path": []string{path}}
	data, err := c.do(ctx, c.hc, http.MethodPost, "/debugger/variables/set", q,
		map[string]string{"value": value})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "value").String(), nil
}

func (c *HTTPClient) ListenForDebuggee(ctx context.Context, ident ListenerIdentity) (*Debuggee, error) {
	mode := ident.Mode
	if mode == "" {
		mode = ListenModeUser
	}
	q := url.Values{
		"mode":       []string{mode},
		"terminalId": []string{ident.TerminalID},
		"ideId":      []string{ident.IdeID},
		"user":       []string{ident.Username},
	}
	data, err := c.do(ctx, c.pollc, http.MethodPost, "/debugger/listeners", q, nil)
	if err != nil {
		// The remote reports an expired listener as a conflict payload
		// rather than a plain failure.
		if gjson.GetBytes(data, "conflict.reason").String() == "timeout" {
			return nil, ErrListenTimeout
		}
		return nil, err
	}
	if gjson.GetBytes(data, "timeout").Bool() {
		return nil, ErrListenTimeout
	}
	dbg := gjson.GetBytes(data, "debuggee")
	if !dbg.Exists() {
		return nil, ErrListenTimeout
	}
	return &Debuggee{
		ID:       dbg.Get("id").String(),
		Kind:     dbg.Get("kind").String(),
		Program:  dbg.Get("program").String(),
		User:     dbg.Get("user").String(),
		Terminal: dbg.Get("terminal").String(),
	}, nil
}

func (c *HTTPClient) ResolveSource(ctx context.Context, path string) (SourceRef, error) {
	q := url.Values{"path": []string{path}}
	data, err := c.do(ctx, c.hc, http.MethodGet, "/sources/resolve", q, nil)
	if err != nil {
		return SourceRef{}, err
	}
	ref := SourceRef{
		URI:  gjson.GetBytes(data, "uri").String(),
		Name: gjson.GetBytes(data, "name").String(),
	}
	if ref.URI == "" {
		return SourceRef{}, errors.Errorf("remote could not resolve source %q", path)
	}
	return ref, nil
}

func (c *HTTPClient) ReplaceBreakpoints(ctx context.Context, source SourceRef, lines []int) ([]Breakpoint, error) {
	q := url.Values{"uri": []string{source.URI}}
	data, err := c.do(ctx, c.hc, http.MethodPut, "/debugger/breakpoints", q,
		map[string][]int{"lines": lines})
	if err != nil {
		return nil, err
	}
	var out []Breakpoint
	for _, b := range gjson.GetBytes(data, "breakpoints").Array() {
		out = append(out, Breakpoint{
			ID:        b.Get("id").String(),
			Line:      int(b.Get("line").Int()),
			Confirmed: b.Get("confirmed").Bool(),
		})
	}
	return out, nil
}

func decodeVariables(data []byte) []DebugVariable {
	var out []DebugVariable
	for _, v := range gjson.GetBytes(data, "variables").Array() {
		out = append(out, DebugVariable{
			ID:            v.Get("id").String(),
			Name:          v.Get("name").String(),
			MetaType:      metaTypeOf(v.Get("metaType").String()),
			DeclaredType:  v.Get("declaredType").String(),
			TechnicalType: v.Get("technicalType").String(),
			Value:         v.Get("value").String(),
			TableLines:    int(v.Get("lines").Int()),
			ReadOnly:      v.Get("readOnly").Bool(),
		})
	}
	return out
}

func metaTypeOf(s string) MetaType {
	switch mt := MetaType(strings.ToLower(s)); mt {
	case MetaSimple, MetaString, MetaStructure, MetaTable,
		MetaObjectRef, MetaDataRef, MetaClass, MetaBoxedComp, MetaAnonymComp:
		return mt
	case "":
		return MetaUnknown
	default:
		return MetaUnknown
	}
}

// String implements fmt.Stringer for log output.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("remote debugger at %s (user %s)", c.opts.BaseURL, c.opts.Username)
}
