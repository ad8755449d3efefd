package roomservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient creates rooms through the service's twirp-style JSON API and
// mints credentials locally with the shared key pair.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	minter     *TokenMinter
	emptyAfter time.Duration
}

func NewHTTPClient(baseURL string, minter *TokenMinter) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		minter:     minter,
		emptyAfter: 5 * time.Minute,
	}
}

type createRoomRequest struct {
	Name         string `json:"name"`
	EmptyTimeout int    `json:"empty_timeout"`
}

func (c *HTTPClient) CreateRoom(ctx context.Context, name string) (Handle, error) {
	body, err := json.Marshal(createRoomRequest{Name: name, EmptyTimeout: int(c.emptyAfter.Seconds())})
	if err != nil {
		return Handle{}, err
	}

	admin, err := c.minter.Mint("", "", Grants{RoomCreate: true})
	if err != nil {
		return Handle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/twirp/livekit.RoomService/CreateRoom", bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("build create room request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+admin)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Handle{}, fmt.Errorf("create room: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var h Handle
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Handle{}, fmt.Errorf("decode create room response: %w", err)
	}
	if h.Name == "" {
		h.Name = name
	}
	return h, nil
}

func (c *HTTPClient) MintToken(_ context.Context, handle Handle, identity, displayName string, grants Grants) (string, error) {
	grants.Room = handle.Name
	return c.minter.Mint(identity, displayName, grants)
}
