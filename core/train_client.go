package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTrainAPIURL is the train position service endpoint.
const DefaultTrainAPIURL = "https://kodeholic.me/sjang/entrypoint.php"

// ErrTrainTokenInvalid is returned when the train API rejects the token.
var ErrTrainTokenInvalid = errors.New("invalid train API token")

// kst is Korea Standard Time; Korea observes no daylight saving.
var kst = time.FixedZone("KST", 9*60*60)

// TrainClient abstracts the train position lookup.
type TrainClient interface {
	Lookup(ctx context.Context, trainNo, driveDate string) (*TrainLookup, error)
}

// TrainLookup is the dashboard-facing train answer.
type TrainLookup struct {
	Found    bool             `json:"found"`
	Message  string           `json:"message"`
	Info     json.RawMessage  `json:"info,omitempty"`
	Schedule []map[string]any `json:"schedule,omitempty"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
}

// HTTPTrainClient calls the train position HTTP API.
type HTTPTrainClient struct {
	client *http.Client
	url    string
	token  string
}

func NewHTTPTrainClient(url, token string) *HTTPTrainClient {
	return &HTTPTrainClient{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		token:  token,
	}
}

type trainAPIResponse struct {
	Result  int    `json:"result"`
	Message string `json:"message"`
	Data    *struct {
		Info     json.RawMessage  `json:"info"`
		Schedule []map[string]any `json:"schedule"`
	} `json:"data"`
}

// stop fields holding UTC epoch seconds that are shown as KST wall time
var trainTimeFields = []string{
	"scheduledArrivalTime",
	"scheduledDepartureTime",
	"actualArrivalTime",
	"actualDepartureTime",
}

// Lookup fetches the live schedule of trainNo on driveDate (YYYYMMDD).
func (c *HTTPTrainClient) Lookup(ctx context.Context, trainNo, driveDate string) (*TrainLookup, error) {
	if c.url == "" {
		return nil, errors.New("train api url not configured")
	}
	b, _ := json.Marshal(map[string]string{"trainNo": trainNo, "driveDate": driveDate})
	log.Printf("train lookup train=%s date=%s token_len=%d", trainNo, driveDate, len(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("User-Agent", portalUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTrainTokenInvalid
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("train api returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var body trainAPIResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	if body.Result != http.StatusOK || body.Data == nil || len(body.Data.Info) == 0 || string(body.Data.Info) == "null" {
		msg := body.Message
		if msg == "" {
			msg = "No data found"
		}
		return &TrainLookup{Found: false, Message: msg, Raw: raw}, nil
	}

	schedule := make([]map[string]any, 0, len(body.Data.Schedule))
	for _, stop := range body.Data.Schedule {
		for _, field := range trainTimeFields {
			if _, ok := stop[field]; ok {
				stop[field] = toKST(stop[field])
			}
		}
		schedule = append(schedule, stop)
	}
	return &TrainLookup{Found: true, Message: "OK", Info: body.Data.Info, Schedule: schedule}, nil
}

// toKST renders epoch seconds as HH:MM:SS in KST; nil stays nil.
func toKST(v any) any {
	var secs int64
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil
		}
		secs = int64(f)
	case float64:
		secs = int64(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		secs = n
	default:
		return nil
	}
	return time.Unix(secs, 0).In(kst).Format("15:04:05")
}
