package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/google/certificate-transparency-go/x509"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

const (
	GoogleLogListUrl = "https://www.gstatic.com/ct/log_list/v3/log_list.json"
	GoogleAllLogsUrl = "https://www.gstatic.com/ct/log_list/v3/all_logs_list.json"
)

var UnsupportedCertTypeErr = errors.New("provided certificate is not supported")

type Log struct {
	Description string `json:"description"`
	LogId       string `json:"log_id"`
	Key         string `json:"key"`
	Url         string `json:"url"`
	Mmd         int    `json:"mmd"`
}

type Operator struct {
	Name string `json:"name"`
	Logs []Log  `json:"logs"`
}

type LogList struct {
	Version   string     `json:"version"`
	Timestamp string     `json:"log_list_timestamp"`
	Operators []Operator `json:"operators"`
}

func fetchLogList(url string) (*LogList, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "fetch log list")
	}
	defer resp.Body.Close()

	var list LogList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, errors.Wrap(err, "decode log list")
	}
	return &list, nil
}

func newLogClient(uri string) (*client.LogClient, error) {
	if !strings.HasPrefix(uri, "http") {
		uri = fmt.Sprintf("https://%s", uri)
	}
	hc := http.Client{
		Timeout: 30 * time.Second,
	}
	return client.New(uri, &hc, jsonclient.Options{})
}

func listLogs(ctx context.Context, url string, withSth bool) error {
	list, err := fetchLogList(url)
	if err != nil {
		return err
	}
	log.Info().Msgf("fetched log list v%s from %s with %d operators", list.Version, list.Timestamp, len(list.Operators))

	for _, op := range list.Operators {
		for _, l := range op.Logs {
			if !withSth {
				fmt.Printf("%-20s %-50s %s\n", op.Name, l.Url, l.Description)
				continue
			}

			lc, err := newLogClient(l.Url)
			if err != nil {
				log.Error().Msgf("failed to create client for %s: %s", l.Url, err)
				continue
			}
			sth, err := lc.GetSTH(ctx)
			if err != nil {
				log.Error().Msgf("failed to fetch sth for %s: %s", l.Url, err)
				continue
			}
			fmt.Printf("%-20s %-50s tree size %d\n", op.Name, l.Url, sth.TreeSize)
		}
	}
	return nil
}

func certFromLogEntry(entry *ct.LogEntry) (*x509.Certificate, error) {
	if entry.Precert != nil {
		return entry.Precert.TBSCertificate, nil
	}
	if entry.X509Cert != nil {
		return entry.X509Cert, nil
	}
	return nil, UnsupportedCertTypeErr
}

type entryOut struct {
	Index       int64    `json:"index"`
	Timestamp   uint64   `json:"timestamp"`
	IsPrecert   bool     `json:"is_precert"`
	Fingerprint string   `json:"fingerprint"`
	Domains     []string `json:"domains,omitempty"`
	NotBefore   int64    `json:"not_before"`
	NotAfter    int64    `json:"not_after"`
	Issuer      string   `json:"issuer"`
	Subject     string   `json:"subject"`
	ChainLength int      `json:"chain_length"`
}

func fetchEntries(ctx context.Context, uri string, start, end int64) error {
	if end < start {
		return errors.New("end index cannot be smaller than start index")
	}

	lc, err := newLogClient(uri)
	if err != nil {
		return errors.Wrap(err, "create log client")
	}

	p := mpb.New()
	bar := p.AddBar(end-start+1,
		mpb.PrependDecorators(
			decor.Name(uri),
			decor.CountersNoUnit("%d / %d", decor.WCSyncSpace)),
		mpb.AppendDecorators(
			decor.NewPercentage("% .1f")))

	enc := json.NewEncoder(os.Stdout)
	idx := start

	for idx <= end {
		resp, err := lc.GetRawEntries(ctx, idx, end)
		if err != nil {
			return errors.Wrap(err, "get raw log entries")
		}
		if len(resp.Entries) == 0 {
			return errors.New("log returned no entries")
		}

		for i := range resp.Entries {
			rle, err := ct.RawLogEntryFromLeaf(idx, &resp.Entries[i])
			if err != nil {
				log.Error().Msgf("failed to parse entry %d: %s", idx, err)
				idx++
				bar.Increment()
				continue
			}

			le, err := rle.ToLogEntry()
			if err != nil {
				log.Error().Msgf("failed to convert entry %d: %s", idx, err)
				idx++
				bar.Increment()
				continue
			}

			cert, err := certFromLogEntry(le)
			if err != nil {
				log.Error().Msgf("unsupported entry %d: %s", idx, err)
				idx++
				bar.Increment()
				continue
			}

			out := entryOut{
				Index:       idx,
				Timestamp:   rle.Leaf.TimestampedEntry.Timestamp,
				IsPrecert:   le.Precert != nil,
				Fingerprint: fmt.Sprintf("%x", sha256.Sum256(rle.Cert.Data)),
				Domains:     cert.DNSNames,
				NotBefore:   cert.NotBefore.Unix(),
				NotAfter:    cert.NotAfter.Unix(),
				Issuer:      cert.Issuer.CommonName,
				Subject:     cert.Subject.CommonName,
				ChainLength: len(rle.Chain),
			}
			if err := enc.Encode(out); err != nil {
				return errors.Wrap(err, "encode entry")
			}
			idx++
			bar.Increment()
		}
	}

	p.Wait()
	return nil
}

func main() {
	list := flag.Bool("list", false, "fetch the CT log list")
	all := flag.Bool("all", false, "include non-usable logs in the list")
	sth := flag.Bool("sth", false, "fetch the signed tree head of every listed log")
	logUrl := flag.String("log", "", "url of the log to fetch entries from")
	start := flag.Int64("start", 0, "index of the first entry to fetch")
	end := flag.Int64("end", 0, "index of the last entry to fetch")
	flag.Parse()

	ctx := context.Background()

	switch {
	case *list:
		url := GoogleLogListUrl
		if *all {
			url = GoogleAllLogsUrl
		}
		if err := listLogs(ctx, url, *sth); err != nil {
			log.Fatal().Msgf("failed to list logs: %s", err)
		}
	case *logUrl != "":
		if err := fetchEntries(ctx, *logUrl, *start, *end); err != nil {
			log.Fatal().Msgf("failed to fetch entries: %s", err)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}
