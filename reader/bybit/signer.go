package bybit

import (
	"net/http"
	"strconv"

	"cryptotrack/reader"
)

const defaultRecvWindow = 5000

// Signer signs Bybit v5 calls. The signed string is
// timestamp + apiKey + recvWindow + payload, where payload is the raw
// query for GET and the exact JSON body otherwise.
type Signer struct {
	APIKey     string
	APISecret  string
	RecvWindow int64
}

func (s Signer) Sign(in reader.SignInput) (reader.Signed, error) {
	recv := s.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}
	ts := strconv.FormatInt(in.Timestamp.UnixMilli(), 10)
	recvStr := strconv.FormatInt(recv, 10)

	payload := string(in.Body)
	if in.Method == http.MethodGet {
		payload = in.RawQuery
	}

	header := http.Header{}
	header.Set("X-BAPI-API-KEY", s.APIKey)
	header.Set("X-BAPI-TIMESTAMP", ts)
	header.Set("X-BAPI-RECV-WINDOW", recvStr)
	header.Set("X-BAPI-SIGN", reader.HMACHex(s.APISecret, ts+s.APIKey+recvStr+payload))
	return reader.Signed{RawQuery: in.RawQuery, Header: header}, nil
}
