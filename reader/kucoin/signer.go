package kucoin

import (
	"net/http"
	"strconv"

	"cryptotrack/reader"
)

// Signer signs KuCoin calls with key version 2: the signature is base64
// HMAC-SHA256 over timestamp + METHOD + path(?query) + body, and the
// passphrase is itself HMAC signed with the secret.
type Signer struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

func (s Signer) Sign(in reader.SignInput) (reader.Signed, error) {
	ts := strconv.FormatInt(in.Timestamp.UnixMilli(), 10)
	endpoint := in.Path
	if in.RawQuery != "" {
		endpoint += "?" + in.RawQuery
	}
	payload := ts + in.Method + endpoint + string(in.Body)

	header := http.Header{}
	header.Set("KC-API-KEY", s.APIKey)
	header.Set("KC-API-SIGN", reader.HMACBase64(s.APISecret, payload))
	header.Set("KC-API-TIMESTAMP", ts)
	header.Set("KC-API-PASSPHRASE", reader.HMACBase64(s.APISecret, s.Passphrase))
	header.Set("KC-API-KEY-VERSION", "2")
	return reader.Signed{RawQuery: in.RawQuery, Header: header}, nil
}
