package chunkserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
)

// ErrNotRegistered is returned when the head no longer accepts our reports,
// usually because it declared us dead.
var ErrNotRegistered = errors.New("chunkserver: head requires re-registration")

const registerRetryDelay = 2 * time.Second

// Reporter keeps a chunk server known to the head.
type Reporter struct {
	HeadURL string
	Addr    string // address the head should dial
	Name    string
	Store   *Store
	HTTP    *http.Client

	RetryDelay time.Duration
}

// Register posts to /register until the head accepts or ctx is done.
func (r *Reporter) Register(ctx context.Context) error {
	delay := r.RetryDelay
	if delay <= 0 {
		delay = registerRetryDelay
	}
	for {
		err := r.post(ctx, "/register", cluster.RegisterRequest{Addr: r.Addr})
		if err == nil {
			log.Info().Str("head", r.HeadURL).Str("addr", r.Addr).Msg("chunkserver: registered with head")
			return nil
		}
		log.Warn().Err(err).Msg("chunkserver: register failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Report sends one self-reported heartbeat.
func (r *Reporter) Report(ctx context.Context) error {
	used, total := r.Store.Usage()
	return r.post(ctx, "/heartbeat", cluster.ReportRequest{
		Addr:         r.Addr,
		ServerID:     r.Name,
		StorageUsed:  used,
		StorageTotal: total,
	})
}

// Run reports every interval and re-registers when the head has declared
// this server dead.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.Report(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotRegistered):
				log.Warn().Msg("chunkserver: head dropped us, registering again")
				if err := r.Register(ctx); err != nil {
					return
				}
			default:
				log.Debug().Err(err).Msg("chunkserver: report failed")
			}
		}
	}
}

func (r *Reporter) post(ctx context.Context, path string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.HeadURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := r.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict, http.StatusNotFound:
		return ErrNotRegistered
	}
	return fmt.Errorf("bad status: %s", resp.Status)
}
