package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jlaffaye/ftp"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/epidata-io/covid-etl/internal/model"
	"github.com/epidata-io/covid-etl/internal/normalize"
)

// CSVBatch reads a manually supplied batch of records from a local path or
// an http(s)/ftp URL.
type CSVBatch struct {
	fetcher *Fetcher
	path    string
	now     func() time.Time
}

// NewCSVBatch creates the CSV batch source for the given path or URL.
func NewCSVBatch(f *Fetcher, path string) *CSVBatch {
	return &CSVBatch{fetcher: f, path: path, now: time.Now}
}

func (s *CSVBatch) Name() string { return normalize.SourceCSV }

// csvRow covers the canonical column set. Synonym or extra columns pass
// through untyped via Decoder.Unused.
type csvRow struct {
	CountryCode    string `csv:"country_code"`
	Country        string `csv:"country"`
	Date           string `csv:"date"`
	TotalCases     string `csv:"total_cases"`
	NewCases       string `csv:"new_cases"`
	TotalDeaths    string `csv:"total_deaths"`
	NewDeaths      string `csv:"new_deaths"`
	TotalRecovered string `csv:"total_recovered"`
	NewRecovered   string `csv:"new_recovered"`
	ActiveCases    string `csv:"active_cases"`
	CriticalCases  string `csv:"critical_cases"`
}

// Fetch reads and parses the batch. Every row becomes a raw record; schema
// problems per row surface later, at normalization.
func (s *CSVBatch) Fetch(ctx context.Context) ([]model.RawRecord, error) {
	r, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	text, err := decodeText(r)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: read %s", s.path)
	}

	dec, err := csvutil.NewDecoder(csv.NewReader(text))
	if err != nil {
		return nil, eris.Wrapf(err, "csv: read header from %s", s.path)
	}
	header := dec.Header()

	fetchedAt := s.now().UTC()
	var records []model.RawRecord
	for {
		var row csvRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "csv: parse %s", s.path)
		}

		fields := map[string]any{
			"country_code":    row.CountryCode,
			"country":         row.Country,
			"date":            row.Date,
			"total_cases":     row.TotalCases,
			"new_cases":       row.NewCases,
			"total_deaths":    row.TotalDeaths,
			"new_deaths":      row.NewDeaths,
			"total_recovered": row.TotalRecovered,
			"new_recovered":   row.NewRecovered,
			"active_cases":    row.ActiveCases,
			"critical_cases":  row.CriticalCases,
		}
		record := dec.Record()
		for _, i := range dec.Unused() {
			key := strings.ToLower(strings.TrimSpace(header[i]))
			if _, taken := fields[key]; !taken {
				fields[key] = record[i]
			}
		}
		records = append(records, model.RawRecord{
			Source:    s.Name(),
			FetchedAt: fetchedAt,
			Fields:    fields,
		})
	}

	zap.L().Info("read csv batch", zap.String("path", s.path), zap.Int("rows", len(records)))
	return records, nil
}

// decodeText returns the batch content as UTF-8. Exports from government
// portals are frequently Windows-1252, so anything that is not already valid
// UTF-8 is decoded as such. A UTF-8 BOM is stripped.
func decodeText(r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return bytes.NewReader(data), nil
	}

	enc, err := htmlindex.Get("windows-1252")
	if err != nil {
		return nil, eris.Wrap(err, "charset lookup")
	}
	decoded, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(data)))
	if err != nil {
		return nil, eris.Wrap(err, "decode windows-1252")
	}
	return bytes.NewReader(decoded), nil
}

func (s *CSVBatch) open(ctx context.Context) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(s.path, "http://"), strings.HasPrefix(s.path, "https://"):
		body, err := s.fetcher.Get(ctx, s.path)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(body)), nil
	case strings.HasPrefix(s.path, "ftp://"):
		return s.openFTP()
	default:
		f, err := os.Open(s.path)
		if err != nil {
			return nil, eris.Wrapf(err, "csv: open %s", s.path)
		}
		return f, nil
	}
}

// ftpReader ties the FTP response to its connection so closing the reader
// also quits the session.
type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *ftpReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "csv: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "csv: quit ftp connection")
	}
	return nil
}

func (s *CSVBatch) openFTP() (io.ReadCloser, error) {
	u, err := url.Parse(s.path)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: parse ftp url %s", s.path)
	}
	host := u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return nil, eris.Errorf("csv: empty path in ftp url %s", s.path)
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, eris.Wrapf(err, "csv: dial ftp %s", host)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "csv: ftp login to %s", host)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "csv: ftp retrieve %s", u.Path)
	}
	return &ftpReader{resp: resp, conn: conn}, nil
}
