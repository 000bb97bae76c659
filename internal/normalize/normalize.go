// Package normalize implements the Normalizer (spec §4.I): it turns
// RawEvents into structured NormalizedEvents by delegating to an
// injected Parser, deriving event_type/severity/ts/src_ip via
// deterministic rules, and enriching with GeoIP data when available.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
)

// ParsedRecord is a parser's structured view of one raw log line,
// before event_type/severity/ts/src_ip derivation.
type ParsedRecord struct {
	Vendor, Product       string
	Type, Subtype, Action string
	Level                 string // native severity level, e.g. "warning"
	TS                    time.Time
	HasTS                 bool
	SrcIP, DstIP          string
	SrcUser, DstUser      string
	Ports                 []int
	Interface, VDOM       string
	PolicyID, SessionID   string
	Message               string
	KV                    map[string]string
}

// Parser turns one raw log line into a ParsedRecord. Injected so the
// Normalizer isn't tied to one vendor's log format; DefaultParser is
// the FortiGate-style key=value reference implementation.
type Parser func(raw string) (ParsedRecord, error)

// Store persists RawEvents and NormalizedEvents. CompleteParse is
// expected to write the NormalizedEvent (when normalized is non-nil)
// and flip the RawEvent's parsed flag in one transaction (spec §4.I
// step 6), so a crash between the two never leaves a RawEvent
// reprocessable-but-already-normalized.
type Store interface {
	SelectUnparsed(ctx context.Context, n int) ([]model.RawEvent, error)
	CompleteParse(ctx context.Context, rawEventID string, normalized *model.NormalizedEvent, parseErr string) error
}

// GeoLookup resolves a source IP to a coarse location. Lookup failures
// (private/reserved ranges, IP absent from the database) are not
// errors — enrichment is best-effort, never blocking.
type GeoLookup interface {
	Lookup(ip string) (country, city string, ok bool)
}

// Normalizer drives normalize_batch.
type Normalizer struct {
	store  Store
	parser Parser
	geo    GeoLookup // nil disables enrichment
	logger *slog.Logger
	newID  func() string
}

// Config configures a Normalizer.
type Config struct {
	Store  Store
	Parser Parser // defaults to DefaultParser if nil
	Geo    GeoLookup
	Logger *slog.Logger
	NewID  func() string
}

// New builds a Normalizer.
func New(cfg Config) *Normalizer {
	parser := cfg.Parser
	if parser == nil {
		parser = DefaultParser
	}
	return &Normalizer{
		store:  cfg.Store,
		parser: parser,
		geo:    cfg.Geo,
		logger: logging.Default(cfg.Logger).With("component", "normalize"),
		newID:  cfg.NewID,
	}
}

// NormalizeBatch selects up to n RawEvents with parsed=false,
// oldest-first, and normalizes each (spec §4.I). Returns the count
// successfully processed (including events marked parsed with a
// parse_error, per step 7 — those still count as "processed", not
// retried). A Store error aborts the batch; a per-event parse error
// does not.
func (n *Normalizer) NormalizeBatch(ctx context.Context, batchSize int) (int, error) {
	raws, err := n.store.SelectUnparsed(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select unparsed raw events: %w", err)
	}

	processed := 0
	for _, raw := range raws {
		normalized, parseErr := n.normalizeOne(raw)

		errMsg := ""
		if parseErr != nil {
			errMsg = parseErr.Error()
			normalized = nil
			n.logger.Warn("raw event parse failed", "raw_event_id", raw.ID, "error", parseErr)
		}

		if err := n.store.CompleteParse(ctx, raw.ID, normalized, errMsg); err != nil {
			return processed, fmt.Errorf("complete parse for raw event %s: %w", raw.ID, err)
		}
		processed++
	}

	return processed, nil
}

func (n *Normalizer) normalizeOne(raw model.RawEvent) (*model.NormalizedEvent, error) {
	rec, err := n.parser(raw.RawMessage)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	ts := raw.ReceivedAt
	if rec.HasTS {
		ts = rec.TS
	}

	srcIP := deriveSrcIP(rec, raw.SourceIP)

	kv := rec.KV
	if n.geo != nil && srcIP != "" {
		if country, city, ok := n.geo.Lookup(srcIP); ok {
			if kv == nil {
				kv = make(map[string]string, 2)
			}
			kv["geo_country"] = country
			kv["geo_city"] = city
		}
	}

	id := ""
	if n.newID != nil {
		id = n.newID()
	}

	return &model.NormalizedEvent{
		ID:         id,
		RawEventID: raw.ID,
		TenantID:   raw.TenantID,
		SiteID:     raw.SiteID,
		SourceID:   raw.SourceID,
		TS:         ts,
		Vendor:     rec.Vendor,
		Product:    rec.Product,
		EventType:  DeriveEventType(rec.Type, rec.Subtype, rec.Action),
		Subtype:    rec.Subtype,
		Action:     rec.Action,
		Severity:   DeriveSeverity(rec.Level),
		SrcIP:      srcIP,
		DstIP:      rec.DstIP,
		SrcUser:    rec.SrcUser,
		DstUser:    rec.DstUser,
		Ports:      rec.Ports,
		Interface:  rec.Interface,
		VDOM:       rec.VDOM,
		PolicyID:   rec.PolicyID,
		SessionID:  rec.SessionID,
		Message:    rec.Message,
		KV:         kv,
	}, nil
}

// eventTypeTable maps "type.subtype.action" to this system's
// canonical event_type (spec §4.I step 2). Entries cover the reference
// detection rules' inputs (spec §4.J); unmapped combinations fall back
// to "<type>_<subtype>" or "unknown".
var eventTypeTable = map[string]string{
	"event.vpn.ssl-login-fail":        "vpn_login_fail",
	"event.vpn.ipsec-login-fail":      "vpn_login_fail",
	"event.vpn.ssl-login":             "vpn_login_success",
	"event.system.admin-login-fail":   "admin_login_fail",
	"event.system.admin-login-failed": "admin_login_fail",
	"event.system.admin-login":        "admin_login_success",
	"event.system.cfg-change":         "config_change",
	"event.system.cfg-reset":          "config_change",
	"traffic.forward.deny":            "traffic_denied",
	"utm.virus.infected":              "malware_detected",
	"utm.ips.signature":               "intrusion_detected",
}

// DeriveEventType maps (type, subtype, action) to a canonical
// event_type string.
func DeriveEventType(typ, subtype, action string) string {
	key := strings.Join([]string{typ, subtype, action}, ".")
	if et, ok := eventTypeTable[key]; ok {
		return et
	}
	if typ != "" && subtype != "" {
		return typ + "_" + subtype
	}
	return "unknown"
}

// DeriveSeverity maps a log's native level string to Centinela's
// Severity scale (spec §4.I step 3).
func DeriveSeverity(level string) model.Severity {
	switch strings.ToLower(level) {
	case "emergency", "alert", "critical":
		return model.SeverityCritical
	case "error":
		return model.SeverityHigh
	case "warning":
		return model.SeverityMedium
	case "notice":
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}

// embeddedIPPattern matches a source IP embedded in free text as
// "...(1.2.3.4)", a shape some UI/audit log lines use to annotate a
// human-readable actor with their originating address.
var embeddedIPPattern = regexp.MustCompile(`\(((?:\d{1,3}\.){3}\d{1,3})\)`)

// deriveSrcIP implements spec §4.I step 5: parsed field, else an
// embedded "...(IP)" pattern in the message, else the collector's
// source IP.
func deriveSrcIP(rec ParsedRecord, collectorSourceIP string) string {
	if rec.SrcIP != "" {
		return rec.SrcIP
	}
	if m := embeddedIPPattern.FindStringSubmatch(rec.Message); m != nil {
		return m[1]
	}
	return collectorSourceIP
}
