package binance

import (
	"net/http"
	"strconv"

	"cryptotrack/reader"
)

// Signer signs Binance REST calls: the query string carrying timestamp
// (and recvWindow when set) is signed with hex HMAC-SHA256 and the
// signature appended as the last parameter.
type Signer struct {
	APIKey     string
	APISecret  string
	RecvWindow int64
}

func (s Signer) Sign(in reader.SignInput) (reader.Signed, error) {
	query := in.RawQuery
	if s.RecvWindow > 0 {
		query = appendParam(query, "recvWindow", strconv.FormatInt(s.RecvWindow, 10))
	}
	query = appendParam(query, "timestamp", strconv.FormatInt(in.Timestamp.UnixMilli(), 10))
	signature := reader.HMACHex(s.APISecret, query)

	header := http.Header{}
	header.Set("X-MBX-APIKEY", s.APIKey)
	return reader.Signed{
		RawQuery: query + "&signature=" + signature,
		Header:   header,
	}, nil
}

func appendParam(query, key, value string) string {
	if query == "" {
		return key + "=" + value
	}
	return query + "&" + key + "=" + value
}
