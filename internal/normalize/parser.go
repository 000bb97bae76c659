package normalize

import (
	"strconv"
	"time"
)

// DefaultParser parses FortiGate-style key=value log lines, the
// reference format spec §4.I calls out: space-separated tokens of
// key=value or key="quoted value", e.g.:
//
//	date=2024-01-15 time=10:30:45 tz="-0800" devname="fw01" type="event"
//	subtype="vpn" action="ssl-login-fail" level="warning" srcip=10.0.0.5
//	srcuser="jdoe" msg="SSL VPN login failed for user jdoe(10.0.0.5)"
func DefaultParser(raw string) (ParsedRecord, error) {
	kv := parseKV(raw)

	rec := ParsedRecord{
		Vendor:    firstNonEmpty(kv["vendor"], "fortinet"),
		Product:   firstNonEmpty(kv["devtype"], kv["devname"], "fortigate"),
		Type:      kv["type"],
		Subtype:   kv["subtype"],
		Action:    kv["action"],
		Level:     kv["level"],
		SrcIP:     kv["srcip"],
		DstIP:     kv["dstip"],
		SrcUser:   firstNonEmpty(kv["srcuser"], kv["user"]),
		DstUser:   kv["dstuser"],
		Interface: firstNonEmpty(kv["srcintf"], kv["interface"]),
		VDOM:      kv["vd"],
		PolicyID:  kv["policyid"],
		SessionID: kv["sessionid"],
		Message:   kv["msg"],
		KV:        kv,
	}

	if srcport, ok := parseIntField(kv["srcport"]); ok {
		rec.Ports = append(rec.Ports, srcport)
	}
	if dstport, ok := parseIntField(kv["dstport"]); ok {
		rec.Ports = append(rec.Ports, dstport)
	}

	if ts, ok := parseDateTimeTZ(kv["date"], kv["time"], kv["tz"]); ok {
		rec.TS = ts
		rec.HasTS = true
	} else if ts, ok := ExtractTimestamp([]byte(raw)); ok {
		rec.TS = ts
		rec.HasTS = true
	}

	return rec, nil
}

// parseKV splits a FortiGate-style key=value line into a map,
// respecting double-quoted values that may contain spaces.
func parseKV(raw string) map[string]string {
	kv := make(map[string]string)
	i := 0
	n := len(raw)

	for i < n {
		for i < n && raw[i] == ' ' {
			i++
		}
		start := i
		for i < n && raw[i] != '=' && raw[i] != ' ' {
			i++
		}
		if i >= n || raw[i] != '=' {
			// Not a key=value token; skip to next space.
			for i < n && raw[i] != ' ' {
				i++
			}
			continue
		}
		key := raw[start:i]
		i++ // skip '='

		var value string
		if i < n && raw[i] == '"' {
			i++
			valStart := i
			for i < n && raw[i] != '"' {
				i++
			}
			value = raw[valStart:i]
			if i < n {
				i++ // skip closing quote
			}
		} else {
			valStart := i
			for i < n && raw[i] != ' ' {
				i++
			}
			value = raw[valStart:i]
		}

		if key != "" {
			kv[key] = value
		}
	}

	return kv
}

func parseIntField(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseDateTimeTZ combines FortiGate's separate date/time/tz fields
// into a single timestamp.
func parseDateTimeTZ(date, clock, tz string) (time.Time, bool) {
	if date == "" || clock == "" {
		return time.Time{}, false
	}
	layout := "2006-01-02 15:04:05"
	value := date + " " + clock
	if tz != "" {
		layout += " -0700"
		value += " " + tz
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts, true
		}
		return time.Time{}, false
	}
	ts, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
