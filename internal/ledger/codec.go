package ledger

import (
	"fmt"
	"strconv"
	"time"

	"contentsync/internal/model"
)

// Kind names one of the three ledgers kept per pipeline.
type Kind string

const (
	KindRemote  Kind = "remote"
	KindLocal   Kind = "local"
	KindIndexed Kind = "indexed"
)

// Codec maps a record type onto ledger rows.
type Codec[T any] struct {
	Kind   Kind
	Header []string
	Encode func(T) []string
	Decode func([]string) (T, error)
	// Key identifies a record; rows sharing a key collapse last-wins on read.
	Key func(T) string
}

// Remote is the codec for the remote snapshot ledger.
var Remote = Codec[model.RemoteItem]{
	Kind:   KindRemote,
	Header: []string{"remote_id", "display_name", "location_path", "size", "last_modified", "web_url", "download_url"},
	Encode: func(r model.RemoteItem) []string {
		return []string{r.RemoteID, r.DisplayName, r.LocationPath, formatInt(r.Size), formatTime(r.LastModified), r.WebURL, r.DownloadURL}
	},
	Decode: func(f []string) (model.RemoteItem, error) {
		size, err := parseInt(f[3])
		if err != nil {
			return model.RemoteItem{}, err
		}
		modified, err := parseTime(f[4])
		if err != nil {
			return model.RemoteItem{}, err
		}
		return model.RemoteItem{
			RemoteID:     f[0],
			DisplayName:  f[1],
			LocationPath: f[2],
			Size:         size,
			LastModified: modified,
			WebURL:       f[5],
			DownloadURL:  f[6],
		}, nil
	},
	Key: func(r model.RemoteItem) string { return r.RemoteID },
}

// Local is the codec for the local-file ledger.
var Local = Codec[model.LocalFileRecord]{
	Kind: KindLocal,
	Header: []string{"remote_id", "display_name", "location_path", "local_relative_path", "size",
		"last_modified", "downloaded_at", "fetch_error", "process_error"},
	Encode: func(r model.LocalFileRecord) []string {
		return []string{r.RemoteID, r.DisplayName, r.LocationPath, r.LocalRelativePath, formatInt(r.Size),
			formatTime(r.LastModified), formatTime(r.DownloadedAt), model.OneLine(r.FetchError), model.OneLine(r.ProcessError)}
	},
	Decode: func(f []string) (model.LocalFileRecord, error) {
		var rec model.LocalFileRecord
		var err error
		if rec.Size, err = parseInt(f[4]); err != nil {
			return rec, err
		}
		if rec.LastModified, err = parseTime(f[5]); err != nil {
			return rec, err
		}
		if rec.DownloadedAt, err = parseTime(f[6]); err != nil {
			return rec, err
		}
		rec.RemoteID = f[0]
		rec.DisplayName = f[1]
		rec.LocationPath = f[2]
		rec.LocalRelativePath = f[3]
		rec.FetchError = f[7]
		rec.ProcessError = f[8]
		return rec, nil
	},
	Key: func(r model.LocalFileRecord) string { return r.RemoteID },
}

// Indexed is the codec for the indexed-file ledger.
var Indexed = Codec[model.IndexedFileRecord]{
	Kind: KindIndexed,
	Header: []string{"index_file_id", "index_store_id", "blob_id", "local_relative_path", "remote_id", "size",
		"last_modified", "uploaded_at", "indexed_at", "fetch_error", "process_error", "index_error"},
	Encode: func(r model.IndexedFileRecord) []string {
		return []string{r.IndexFileID, r.IndexStoreID, r.BlobID, r.LocalRelativePath, r.RemoteID, formatInt(r.Size),
			formatTime(r.LastModified), formatTime(r.UploadedAt), formatTime(r.IndexedAt),
			model.OneLine(r.FetchError), model.OneLine(r.ProcessError), model.OneLine(r.IndexError)}
	},
	Decode: func(f []string) (model.IndexedFileRecord, error) {
		var rec model.IndexedFileRecord
		var err error
		if rec.Size, err = parseInt(f[5]); err != nil {
			return rec, err
		}
		if rec.LastModified, err = parseTime(f[6]); err != nil {
			return rec, err
		}
		if rec.UploadedAt, err = parseTime(f[7]); err != nil {
			return rec, err
		}
		if rec.IndexedAt, err = parseTime(f[8]); err != nil {
			return rec, err
		}
		rec.IndexFileID = f[0]
		rec.IndexStoreID = f[1]
		rec.BlobID = f[2]
		rec.LocalRelativePath = f[3]
		rec.RemoteID = f[4]
		rec.FetchError = f[9]
		rec.ProcessError = f[10]
		rec.IndexError = f[11]
		return rec, nil
	},
	Key: func(r model.IndexedFileRecord) string { return r.RemoteID },
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
