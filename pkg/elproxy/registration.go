package elproxy

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cardigann/harhar"
	"github.com/rs/zerolog"

	"github.com/n0call/elproxy/internal/wstate"
)

const (
	registrationSalt    = "#5A!zu"
	registrationVersion = "1.2.3o"
	registrationUA      = "elproxy/" + registrationVersion
)

// registrationStatus mirrors the reporter's {Unknown, Ready, Busy, Off}
// status enum.
type registrationStatus int

const (
	regUnknown registrationStatus = iota
	regReady
	regBusy
	regOff
)

func (s registrationStatus) String() string {
	switch s {
	case regReady:
		return "Ready"
	case regBusy:
		return "Busy"
	case regOff:
		return "Off"
	default:
		return "Unknown"
	}
}

// registration is the single-writer periodic reporter that publishes slot
// usage to the EchoLink directory service. It is itself a wstate.Worker
// with a periodic wake, following the teacher's ticker-driven background
// tasks generalized into the shared worker primitive; its HTTP client and
// optional HAR recording mirror pkg/origin/authmgr.go's AuthMgr.refresh.
type registration struct {
	logger zerolog.Logger
	w      *wstate.Worker
	client *http.Client
	url    string

	name      string
	comment   string
	public    bool
	advertise string
	port      uint16
	suffix    string // precomputed md5hex derived from name||address||salt

	// SaveHAR, if set, is called with a HAR-encodable write func after
	// every report attempt, success or failure.
	SaveHAR func(write func(w io.Writer) error, err error)

	mu         sync.Mutex
	status     registrationStatus
	slotsUsed  int
	slotsTotal int
	haveUpdate bool

	metrics *proxyMetrics
}

func newRegistration(c *Config, l zerolog.Logger, m *proxyMetrics) *registration {
	r := &registration{
		logger:    l,
		url:       "http://" + c.RegistrationHost + "/proxypost.jsp",
		name:      c.RegistrationName,
		comment:   c.RegistrationComment,
		public:    c.IsPublic(),
		advertise: c.RegistrationAddress,
		port:      c.Port,
		metrics:   m,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
	if r.advertise == "" {
		r.advertise = c.ExternalBindAddress
	}
	r.suffix = r.computeSuffix()
	r.w = wstate.New(r.run)
	r.w.SetPeriodicWake(c.RegistrationInterval)
	return r
}

func (r *registration) computeSuffix() string {
	sum := md5.Sum([]byte(r.name + r.advertise + registrationSalt))
	return hex.EncodeToString(sum[:])
}

func (r *registration) start() error { return r.w.Start() }
func (r *registration) join()        { r.w.Join() }

// update sets the next reported slot counts and wakes the reporter
// immediately, as required whenever a client binds or unbinds.
func (r *registration) update(used, total int) {
	r.mu.Lock()
	r.slotsUsed, r.slotsTotal = used, total
	if used >= total {
		r.status = regBusy
	} else {
		r.status = regReady
	}
	r.haveUpdate = true
	r.mu.Unlock()
	r.w.Wake()
}

// markOff reports Off status immediately, used at shutdown.
func (r *registration) markOff() {
	r.mu.Lock()
	r.status = regOff
	r.haveUpdate = true
	r.mu.Unlock()
	r.w.Wake()
}

func (r *registration) run() {
	r.mu.Lock()
	status, used, total, have := r.status, r.slotsUsed, r.slotsTotal, r.haveUpdate
	r.mu.Unlock()

	if !have {
		return
	}

	if err := r.report(status, used, total); err != nil {
		r.logger.Warn().Err(err).Msg("registration update failed")
		if r.metrics != nil {
			r.metrics.registrationFail.Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.registrationOK.Inc()
	}
}

func (r *registration) report(status registrationStatus, used, total int) (err error) {
	publicFlag := "N"
	if r.public {
		publicFlag = "Y"
	}

	body := fmt.Sprintf(
		"name=%s&comment=%s [%d/%d]&public=%s&status=%s&a=%s&d=%s&p=%d&v=%s",
		url.QueryEscape(r.name), url.QueryEscape(r.comment), used, total,
		publicFlag, status, r.advertise, r.suffix, r.port, registrationVersion,
	)

	t := r.client.Transport
	if t == nil {
		t = http.DefaultTransport
	}
	var rec *harhar.Recorder
	if r.SaveHAR != nil {
		rec = harhar.NewRecorder()
		rec.RoundTripper, t = t, rec
		defer func() {
			har := rec.HAR
			go r.SaveHAR(func(w io.Writer) error {
				return json.NewEncoder(w).Encode(har)
			}, err)
		}()
	}
	client := &http.Client{Timeout: r.client.Timeout, Transport: t}

	req, err := http.NewRequest(http.MethodPost, r.url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", registrationUA)

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.ProtoMajor != 1 || res.ProtoMinor != 1 || res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected response: %s", res.Status)
	}
	return nil
}
