package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang/glog"
)

// Sender delivers one batch of events to the sink.
type Sender func(events []Event) error

// NewHTTPSender posts batches as newline-delimited JSON. Any status outside the
// 2xx range counts as a delivery failure so the batch gets retried.
func NewHTTPSender(client *http.Client, endpoint string) Sender {
	return func(events []Event) error {
		payload, err := encodeNDJSON(events)
		if err != nil {
			// encoding failures are not retryable, drop the batch
			glog.Errorf("tracker: discarding unencodable batch: %v", err)
			return nil
		}

		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build tracker request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-ndjson")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("send tracker batch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("tracker sink responded %d", resp.StatusCode)
		}
		return nil
	}
}

func encodeNDJSON(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(events[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
