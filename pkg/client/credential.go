package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devicehub/hub-client-go/pkg/pool"
)

// DefaultTokenTTL is the lifetime of generated SAS tokens.
const DefaultTokenTTL = time.Hour

// tokenRenewMargin is how long before expiry a cached token is replaced.
const tokenRenewMargin = 5 * time.Minute

// SASCredential signs shared access signature tokens with a device or
// policy key. Tokens are cached until shortly before they expire.
type SASCredential struct {
	resource string
	key      []byte
	keyName  string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSASCredential creates a credential for the device or module resource
// of cs. The key is base64 encoded, as in connection strings.
func NewSASCredential(cs ConnectionString, ttl time.Duration) (*SASCredential, error) {
	key, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey)
	if err != nil {
		return nil, fmt.Errorf("shared access key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: SharedAccessKey", ErrMissingField)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &SASCredential{
		resource: resourceURI(cs),
		key:      key,
		keyName:  cs.SharedAccessKeyName,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// resourceURI is host/devices/id or host/devices/id/modules/mid.
func resourceURI(cs ConnectionString) string {
	r := cs.HostName + "/devices/" + url.PathEscape(cs.DeviceID)
	if cs.ModuleID != "" {
		r += "/modules/" + url.PathEscape(cs.ModuleID)
	}
	return r
}

// Token returns a valid token, signing a new one when needed.
func (c *SASCredential) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(tokenRenewMargin).Before(c.expires) {
		return c.token, nil
	}
	c.expires = now.Add(c.ttl).Truncate(time.Second)
	c.token = c.sign(c.expires)
	return c.token, nil
}

func (c *SASCredential) sign(expires time.Time) string {
	se := strconv.FormatInt(expires.Unix(), 10)
	sr := url.QueryEscape(strings.ToLower(c.resource))

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	tok := "SharedAccessSignature sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + se
	if c.keyName != "" {
		tok += "&skn=" + url.QueryEscape(c.keyName)
	}
	return tok
}

var _ pool.TokenSource = (*SASCredential)(nil)
