// Package fdsn parses FDSN web service URLs and expands station
// queries into the dataselect queries needed to fetch test waveforms.
//
// See https://www.fdsn.org/webservices/ for the service specification.
package fdsn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// TimeLayout is the layout used when encoding timestamps into query
// parameters. FDSN services expect ISO 8601 without a zone designator.
const TimeLayout = "2006-01-02T15:04:05"

var urlPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://.+/fdsnws/(station|dataselect)/\d+/query`)

// IsURL reports whether s looks like an FDSN station or dataselect
// query URL.
func IsURL(s string) bool {
	return urlPattern.MatchString(s)
}

// Query is a parsed FDSN query URL: the service endpoint plus the
// recognized query parameters (net, sta, loc, cha, start, end and the
// service controls level and format).
type Query struct {
	// Base is the endpoint with the query string stripped, e.g.
	// "http://service.iris.edu/fdsnws/dataselect/1/query".
	Base string

	params map[string]string
}

// aliases maps each canonical parameter to its accepted spellings.
var aliases = [][]string{
	{"net", "network"},
	{"sta", "station"},
	{"loc", "location"},
	{"cha", "channel"},
	{"start", "starttime"},
	{"end", "endtime"},
}

// paramOrder fixes the parameter order in encoded URLs.
var paramOrder = []string{"net", "sta", "loc", "cha", "start", "end", "level", "format"}

// Parse parses an FDSN query URL. The net parameter is mandatory; sta,
// loc, cha, start and end are optional. Long parameter spellings
// (network, starttime, ...) are accepted but giving both spellings of
// the same parameter, or a parameter more than once, is an error.
func Parse(rawurl string) (*Query, error) {
	if !IsURL(rawurl) {
		return nil, fmt.Errorf("invalid FDSN URL: %s", rawurl)
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid FDSN URL: %w", err)
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid query string in %s: %w", rawurl, err)
	}

	q := &Query{
		Base:   u.Scheme + "://" + u.Host + u.Path,
		params: make(map[string]string),
	}
	for _, names := range aliases {
		val, ok, err := singleValue(values, names)
		if err != nil {
			return nil, fmt.Errorf("%w. URL: %s", err, rawurl)
		}
		if ok {
			q.params[names[0]] = val
		}
	}
	if _, ok := q.params["net"]; !ok {
		return nil, fmt.Errorf(`missing parameter "net" (or "network"). URL: %s`, rawurl)
	}

	for _, key := range []string{"start", "end"} {
		if val, ok := q.params[key]; ok {
			if _, err := ParseTime(val); err != nil {
				return nil, fmt.Errorf("invalid date-time in %q. URL: %s", key, rawurl)
			}
		}
	}
	if _, ok := q.params["start"]; ok {
		start, _ := ParseTime(q.params["start"])
		end := time.Now().UTC()
		if v, ok := q.params["end"]; ok {
			end, _ = ParseTime(v)
		}
		if !start.Before(end) {
			return nil, fmt.Errorf("invalid time range, check (start, end) in %s", rawurl)
		}
	}
	return q, nil
}

// singleValue looks up the names in values, requiring at most one name
// to be present with exactly one value.
func singleValue(values url.Values, names []string) (string, bool, error) {
	var found []string
	for _, name := range names {
		if _, ok := values[name]; ok {
			found = append(found, name)
		}
	}
	if len(found) > 1 {
		return "", false, fmt.Errorf("conflicting parameters %q", strings.Join(found, "/"))
	}
	if len(found) == 0 {
		return "", false, nil
	}
	vals := values[found[0]]
	if len(vals) > 1 {
		return "", false, fmt.Errorf("invalid multiple values for %q", found[0])
	}
	return vals[0], true, nil
}

// Param returns the value of the given canonical parameter, or "".
func (q *Query) Param(key string) string {
	return q.params[key]
}

// SetParam sets a parameter on the query.
func (q *Query) SetParam(key, value string) {
	if q.params == nil {
		q.params = make(map[string]string)
	}
	q.params[key] = value
}

// DelParam removes a parameter from the query.
func (q *Query) DelParam(key string) {
	delete(q.params, key)
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	c := &Query{Base: q.Base, params: make(map[string]string, len(q.params))}
	for k, v := range q.params {
		c.params[k] = v
	}
	return c
}

// IsStation reports whether the query addresses the station service.
func (q *Query) IsStation() bool {
	return strings.Contains(q.Base, "/station/")
}

// AsStation returns a copy of the query addressing the station service.
func (q *Query) AsStation() *Query {
	c := q.Clone()
	c.Base = strings.Replace(c.Base, "/dataselect/", "/station/", 1)
	return c
}

// AsDataselect returns a copy of the query addressing the dataselect
// service.
func (q *Query) AsDataselect() *Query {
	c := q.Clone()
	c.Base = strings.Replace(c.Base, "/station/", "/dataselect/", 1)
	return c
}

// URL encodes the query back into a URL string.
func (q *Query) URL() string {
	var b strings.Builder
	b.WriteString(q.Base)
	sep := "?"
	for _, key := range paramOrder {
		if val, ok := q.params[key]; ok {
			b.WriteString(sep)
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(url.QueryEscape(val))
			sep = "&"
		}
	}
	return b.String()
}

func (q *Query) String() string { return q.URL() }

// Windows splits the query time range into up to maxCount consecutive
// queries of wlen each, evenly spaced over the range. It fails when the
// range is shorter than wlen.
func (q *Query) Windows(wlen time.Duration, maxCount int) ([]*Query, error) {
	start, err := ParseTime(q.Param("start"))
	if err != nil {
		return nil, fmt.Errorf("window split needs a start time: %w", err)
	}
	end, err := ParseTime(q.Param("end"))
	if err != nil {
		return nil, fmt.Errorf("window split needs an end time: %w", err)
	}
	total := end.Sub(start)
	count := int(total.Seconds() / wlen.Seconds())
	if count < 1 {
		return nil, fmt.Errorf("total download period (~=%ds) < download window (%gs)",
			int(total.Seconds()), wlen.Seconds())
	}
	if count > maxCount {
		count = maxCount
	}
	step := total / time.Duration(count)
	windows := make([]*Query, 0, count)
	for i := 0; i < count; i++ {
		w := q.Clone()
		w.SetParam("start", FormatTime(start))
		w.SetParam("end", FormatTime(start.Add(wlen)))
		windows = append(windows, w)
		start = start.Add(step)
	}
	return windows, nil
}

// ParseTime parses an FDSN timestamp. A trailing zone designator is
// accepted and ignored; the result is UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid isoformat string: %q", s)
}

// FormatTime encodes t for use in a query parameter, truncated to whole
// seconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// Client fetches data from FDSN web services.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client whose requests time out after the given
// duration. A zero timeout means no timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Get performs a GET request and returns the response body. A 204 (no
// matching data) yields an empty body and no error.
func (c *Client) Get(ctx context.Context, rawurl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %s: %s", rawurl, resp.Status,
			strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// DataselectQueries expands a station query into one dataselect query
// per matching station. The time range of each returned query is taken
// from the input query when set, otherwise from the station epoch as
// reported by the station service (an open epoch ends now).
func (c *Client) DataselectQueries(ctx context.Context, q *Query) ([]*Query, error) {
	sq := q.AsStation()
	sq.SetParam("level", "station")
	sq.SetParam("format", "text")
	body, err := c.Get(ctx, sq.URL())
	if err != nil {
		return nil, err
	}
	return ParseStationList(string(body), q.AsDataselect(), time.Now().UTC())
}

// ParseStationList parses the pipe-separated station list returned by a
// station query with format=text, returning one query per station line
// based on tmpl. Lines containing '#' are comments. now is used as the
// end time of open station epochs.
func ParseStationList(text string, tmpl *Query, now time.Time) ([]*Query, error) {
	var queries []*Query
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if strings.Contains(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		cells := strings.Split(line, "|")
		if len(cells) < 4 {
			return nil, fmt.Errorf("malformed station list line: %q", line)
		}
		sq := tmpl.Clone()
		sq.SetParam("net", cells[0])
		sq.SetParam("sta", cells[1])
		if tmpl.Param("start") == "" {
			sq.SetParam("start", cells[len(cells)-2])
		}
		if tmpl.Param("end") == "" {
			end := strings.TrimSpace(cells[len(cells)-1])
			if end == "" {
				end = FormatTime(now)
			}
			sq.SetParam("end", end)
		}
		sq.DelParam("level")
		sq.DelParam("format")
		queries = append(queries, sq)
	}
	return queries, nil
}
