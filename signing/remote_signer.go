package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "signing")

var signedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "signed_messages_total",
	Help: "Number of messages signed, by kind",
}, []string{"kind"})

// inlineBatchLimit mirrors sign_in_batches' default batch_size: up to this
// many messages are signed concurrently inline; larger batches are offload
// onto the worker pool below instead of fanning out thousands of
// goroutines against the signer at once (spec.md §4.5).
const inlineBatchLimit = 100

// maxOffloadConcurrency bounds how many signing requests the worker pool
// issues at once when a batch exceeds inlineBatchLimit.
const maxOffloadConcurrency = 100

// RemoteSigner signs via a web3signer-compatible remote signing API,
// using two independent connection pools so slow aggregation/selection
// signing traffic never head-of-line blocks block/attestation signing
// (spec.md §4.5).
type RemoteSigner struct {
	baseURL string
	host    string

	highPriority *http.Client
	lowPriority  *http.Client
}

// NewRemoteSigner constructs a client against a web3signer-compatible
// endpoint. The high-priority pool is unbounded (Go's default transport
// pooling, matching aiohttp's own per-session default), the low-priority
// pool is capped at 10 connections (web3signer's own default Vert.x
// worker count).
func NewRemoteSigner(baseURL string) (*RemoteSigner, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("signing: failed to parse hostname from %q", baseURL)
	}

	lowPriorityTransport := &http.Transport{
		MaxConnsPerHost:     10,
		MaxIdleConnsPerHost: 10,
	}

	return &RemoteSigner{
		baseURL:      baseURL,
		host:         u.Hostname(),
		highPriority: &http.Client{Timeout: 10 * time.Second},
		lowPriority:  &http.Client{Transport: lowPriorityTransport, Timeout: 10 * time.Second},
	}, nil
}

func (r *RemoteSigner) clientFor(kind MessageKind) *http.Client {
	if kind.HighPriority() {
		return r.highPriority
	}
	return r.lowPriority
}

// PublicKeys fetches /api/v1/eth2/publicKeys.
func (r *RemoteSigner) PublicKeys(ctx context.Context) ([]types.Pubkey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/eth2/publicKeys", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.lowPriority.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("NOK status code received (%d) from remote signer: %s", resp.StatusCode, body)
	}

	var hexKeys []string
	if err := json.NewDecoder(resp.Body).Decode(&hexKeys); err != nil {
		return nil, err
	}
	out := make([]types.Pubkey, 0, len(hexKeys))
	for _, h := range hexKeys {
		pk, err := types.PubkeyFromHex(h)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// Sign POSTs message to /api/v1/eth2/sign/{identifier}.
func (r *RemoteSigner) Sign(ctx context.Context, msg SignableMessage, pubkey types.Pubkey) (types.Signature, error) {
	endpoint := r.baseURL + "/api/v1/eth2/sign/" + pubkey.String()

	body, err := msg.wireBody()
	if err != nil {
		return types.Signature{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.clientFor(msg.Kind).Do(req)
	if err != nil {
		return types.Signature{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return types.Signature{}, fmt.Errorf("NOK status code received (%d) from remote signer: %s", resp.StatusCode, body)
	}

	var decoded struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.Signature{}, err
	}
	sig, err := types.SignatureFromHex(decoded.Signature)
	if err != nil {
		return types.Signature{}, err
	}
	signedMessages.WithLabelValues(string(msg.Kind)).Inc()
	return sig, nil
}

// SignInBatches signs messages in batches. Up to inlineBatchLimit messages
// are signed inline, fully concurrently; larger batches are signed
// maxOffloadConcurrency-at-a-time to avoid opening thousands of
// connections against the signer simultaneously (spec.md §4.5).
func (r *RemoteSigner) SignInBatches(ctx context.Context, msgs []SignableMessage, pubkeys []types.Pubkey) ([]SignedResult, error) {
	if len(msgs) != len(pubkeys) {
		return nil, fmt.Errorf("signing: number of messages (%d) does not match number of pubkeys (%d)", len(msgs), len(pubkeys))
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	concurrency := maxOffloadConcurrency
	if len(msgs) <= inlineBatchLimit {
		concurrency = len(msgs)
	}

	results := make([]SignedResult, len(msgs))
	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range msgs {
		i := i
		g.Go(func() error {
			sig, err := r.Sign(gctx, msgs[i], pubkeys[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				log.WithError(err).WithField("pubkey", pubkeys[i].Trunc()).Warn("failed to sign message")
				return nil
			}
			results[i] = SignedResult{Message: msgs[i], Pubkey: pubkeys[i], Signature: sig}
			return nil
		})
	}
	_ = g.Wait()
	if firstErr != nil {
		log.WithError(firstErr).Warn("one or more messages failed to sign in batch")
	}
	return results, nil
}
