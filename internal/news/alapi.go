package news

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// alapiSource queries the ALAPI "zaobao" endpoint, which returns the day's
// 60-second news board as a single image.
type alapiSource struct {
	url    string
	token  string
	client *http.Client
}

type alapiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
	Data struct {
		Date  string `json:"date"`
		Image string `json:"image"`
		Weiyu string `json:"weiyu"`
	} `json:"data"`
}

func (s *alapiSource) Fetch(ctx context.Context) (Image, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return Image{}, unavailable("bad url: %v", err)
	}
	q := u.Query()
	q.Set("token", s.token)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, unavailable("build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Image{}, unavailable("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Image{}, unavailable("status %d", resp.StatusCode)
	}

	var body alapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return Image{}, unavailable("decode: %v", err)
	}
	img := strings.TrimSpace(body.Data.Image)
	if img == "" {
		return Image{}, unavailable("empty image (code=%d msg=%q)", body.Code, body.Msg)
	}
	return Image{URL: img}, nil
}
