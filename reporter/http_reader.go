// Reader is a testing facility to read the output of a http reporter.

package reporter

import (
	"io"
	"net/http"
	"net/url"
)

type HttpReader struct {
	baseURL string // http://ip:port
}

func NewHttpReader(baseURL string) *HttpReader {
	return &HttpReader{baseURL: baseURL}
}

func (hr *HttpReader) get(path string, query url.Values) (int, string, error) {
	u := hr.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

func (hr *HttpReader) GetHello() (string, error) {
	_, body, err := hr.get(ROUTE_HELLO, nil)
	return body, err
}

func (hr *HttpReader) GetSummary() (int, string, error) {
	return hr.get(ROUTE_SUMMARY, nil)
}

func (hr *HttpReader) GetDeposit(btcTxnHash string) (int, string, error) {
	return hr.get(ROUTE_DEPOSIT, url.Values{"btc_txn_hash": {btcTxnHash}})
}

func (hr *HttpReader) GetMetrics() (int, string, error) {
	return hr.get(ROUTE_METRICS, nil)
}
