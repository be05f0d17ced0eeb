package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	vapidKeysFileName         = "web_push_vapid_keys.json"
	pushSubscriptionsFileName = "web_push_subscriptions.json"
)

// Subscription is a browser PushSubscription as serialised by
// PushSubscription.toJSON().
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime any              `json:"expirationTime,omitempty"`
	Keys           SubscriptionKeys `json:"keys"`
	ClientFocused  *bool            `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time        `json:"focusUpdatedAt,omitempty"`
}

type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// ErrInvalidSubscription is returned for a subscription missing its
// endpoint or keys.
var ErrInvalidSubscription = errors.New("notify: invalid subscription")

func (s Subscription) validate() error {
	switch {
	case s.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	case s.Keys.P256DH == "":
		return fmt.Errorf("%w: keys.p256dh is required", ErrInvalidSubscription)
	case s.Keys.Auth == "":
		return fmt.Errorf("%w: keys.auth is required", ErrInvalidSubscription)
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// SubscriptionStore keeps subscriptions in a JSON file, rewritten
// atomically on every change.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

func (s *SubscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return append([]Subscription(nil), data.Subscriptions...), nil
}

// Upsert adds sub or replaces the entry with the same endpoint. A known
// focus state is kept unless sub carries one.
func (s *SubscriptionStore) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	if sub.ClientFocused != nil && sub.FocusUpdatedAt.IsZero() {
		sub.FocusUpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint != sub.Endpoint {
			continue
		}
		if sub.ClientFocused == nil {
			sub.ClientFocused = data.Subscriptions[i].ClientFocused
			sub.FocusUpdatedAt = data.Subscriptions[i].FocusUpdatedAt
		}
		data.Subscriptions[i] = sub
		replaced = true
		break
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

// SetFocus records whether the subscribing page is in the foreground.
// Unknown endpoints are ignored.
func (s *SubscriptionStore) SetFocus(endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == endpoint {
			f := focused
			data.Subscriptions[i].ClientFocused = &f
			data.Subscriptions[i].FocusUpdatedAt = time.Now().UTC()
			return s.writeLocked(data)
		}
	}
	return nil
}

func (s *SubscriptionStore) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	kept := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	data.Subscriptions = kept
	return s.writeLocked(data)
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &subscriptionFile{Subscriptions: []Subscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []Subscription{}
	}
	return &data, nil
}

func (s *SubscriptionStore) writeLocked(data *subscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	return writeFileAtomic(s.path, raw)
}

type vapidKeysFile struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EnsureVAPIDKeys loads the keypair stored in dir, generating and saving
// one on first use.
func EnsureVAPIDKeys(dir, subject string) (publicKey, privateKey string, generated bool, err error) {
	path := filepath.Join(dir, vapidKeysFileName)
	subject = strings.TrimSpace(subject)

	file, err := loadVAPIDKeys(path)
	switch {
	case err == nil:
		if subject != "" && file.Subject != subject {
			file.Subject = subject
			file.UpdatedAt = time.Now().UTC()
			if err := writeVAPIDKeys(path, file); err != nil {
				return "", "", false, err
			}
		}
		return file.PublicKey, file.PrivateKey, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", "", false, err
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	now := time.Now().UTC()
	file = &vapidKeysFile{
		PublicKey:  strings.TrimSpace(pub),
		PrivateKey: strings.TrimSpace(priv),
		Subject:    subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeVAPIDKeys(path, file); err != nil {
		return "", "", false, err
	}
	return file.PublicKey, file.PrivateKey, true, nil
}

func loadVAPIDKeys(path string) (*vapidKeysFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("read vapid keys: %w", err)
	}
	var file vapidKeysFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse vapid keys: %w", err)
	}
	file.PublicKey = strings.TrimSpace(file.PublicKey)
	file.PrivateKey = strings.TrimSpace(file.PrivateKey)
	file.Subject = strings.TrimSpace(file.Subject)
	if file.PublicKey == "" || file.PrivateKey == "" {
		return nil, errors.New("vapid keys file is missing required keys")
	}
	return &file, nil
}

func writeVAPIDKeys(path string, file *vapidKeysFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}
	return writeFileAtomic(path, raw)
}

func writeFileAtomic(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// deliverFunc posts one encrypted payload and reports the gateway status.
type deliverFunc func(ctx context.Context, payload []byte, sub Subscription) (int, error)

// PushSender delivers notifications through Web Push to every stored
// subscription whose page is not focused.
type PushSender struct {
	subject    string
	publicKey  string
	privateKey string
	store      *SubscriptionStore
	deliver    deliverFunc
}

// NewPushSender loads or creates the VAPID keys and the subscription file
// in dataDir.
func NewPushSender(dataDir, subject string) (*PushSender, error) {
	pub, priv, generated, err := EnsureVAPIDKeys(dataDir, subject)
	if err != nil {
		return nil, err
	}
	if generated {
		notifyLog.Info("push_vapid_keys_generated", slog.String("dir", dataDir))
	}
	p := &PushSender{
		subject:    subject,
		publicKey:  pub,
		privateKey: priv,
		store:      NewSubscriptionStore(filepath.Join(dataDir, pushSubscriptionsFileName)),
	}
	p.deliver = p.vapidDeliver
	return p, nil
}

func (p *PushSender) Name() string { return "push" }

// PublicKey is the application server key browsers subscribe with.
func (p *PushSender) PublicKey() string { return p.publicKey }

func (p *PushSender) Subscriptions() *SubscriptionStore { return p.store }

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Renotify  bool   `json:"renotify,omitempty"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	Session   string `json:"session,omitempty"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
	Require   bool   `json:"requireInteraction,omitempty"`
}

// Send pushes n to every unfocused subscription. Endpoints the gateway
// reports as gone are removed.
func (p *PushSender) Send(ctx context.Context, n Notification) error {
	subs, err := p.store.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(pushMessage{
		Title:     n.Title,
		Body:      n.Body,
		Tag:       fmt.Sprintf("agent-monitor-%s-%s", n.AgentID, n.Kind),
		Renotify:  true,
		AgentID:   n.AgentID,
		TaskID:    n.TaskID,
		Session:   n.SessionName,
		Kind:      string(n.Kind),
		Timestamp: n.Time.UTC().Format(time.RFC3339),
		Require:   n.Kind == KindAwaitingInput,
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if sub.ClientFocused != nil && *sub.ClientFocused {
			notifyLog.Debug("push_skipped",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("reason", "focused"))
			continue
		}
		status, err := p.deliver(ctx, payload, sub)
		if err == nil {
			notifyLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", status))
			continue
		}
		if status == http.StatusGone || status == http.StatusNotFound {
			notifyLog.Info("push_subscription_pruned",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", status))
			_ = p.store.Remove(sub.Endpoint)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", endpointForLog(sub.Endpoint), err))
	}
	return errors.Join(errs...)
}

func (p *PushSender) vapidDeliver(ctx context.Context, payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256DH, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		Subscriber:      p.subject,
		VAPIDPublicKey:  p.publicKey,
		VAPIDPrivateKey: p.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// endpointForLog keeps the push service host and drops the per-device
// token.
func endpointForLog(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		rest := endpoint[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return endpoint[:i+3+j] + "/..."
		}
	}
	return endpoint
}
