package cluster

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemberID identifies a cluster member.
type MemberID string

// Member is a cluster member and the address it is reachable at.
type Member struct {
	ID   MemberID `json:"id"`
	Addr string   `json:"addr,omitempty"`
}

// String returns the member id.
func (m Member) String() string { return string(m.ID) }

// MemberSet is an unordered set of member ids.
type MemberSet map[MemberID]struct{}

// NewMemberSet returns a set holding ids.
func NewMemberSet(ids ...MemberID) MemberSet {
	s := make(MemberSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s MemberSet) Contains(id MemberID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in no particular order.
func (s MemberSet) Slice() []MemberID {
	out := make([]MemberID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the response into out.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// DeleteJSON issues a DELETE and decodes any response body into out.
func DeleteJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodDelete, url, nil, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("http %s %s: %d %s", method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
