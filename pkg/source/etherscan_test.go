package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var victim = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func mutedLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const verifiedABI = `[{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

func serveSource(t *testing.T, handler func(r *http.Request) interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "contract", r.URL.Query().Get("module"))
		require.Equal(t, "getsourcecode", r.URL.Query().Get("action"))
		require.NoError(t, json.NewEncoder(w).Encode(handler(r)))
	}))
}

func TestDescribeVerifiedContract(t *testing.T) {
	server := serveSource(t, func(r *http.Request) interface{} {
		assert.Equal(t, victim.Hex(), r.URL.Query().Get("address"))
		return map[string]interface{}{
			"status":  "1",
			"message": "OK",
			"result": []map[string]string{{
				"SourceCode":   "contract Vault { function totalSupply() external view returns (uint256) {} }",
				"ABI":          verifiedABI,
				"ContractName": "Vault",
			}},
		}
	})
	defer server.Close()

	client := NewEtherscanClient(server.URL, "key", time.Second, mutedLogger())
	iface, sourceText, err := client.Describe(context.Background(), victim)
	require.NoError(t, err)

	assert.Equal(t, "Vault", iface.Name)
	assert.Contains(t, sourceText, "contract Vault")

	methods := make([]string, 0, len(iface.Calls))
	for _, call := range iface.Calls {
		methods = append(methods, call.Method)
	}
	assert.Equal(t, []string{"owner", "totalSupply"}, methods)
}

func TestDescribeUnverifiedContract(t *testing.T) {
	server := serveSource(t, func(*http.Request) interface{} {
		return map[string]interface{}{
			"status":  "1",
			"message": "OK",
			"result": []map[string]string{{
				"SourceCode":   "",
				"ABI":          "Contract source code not verified",
				"ContractName": "",
			}},
		}
	})
	defer server.Close()

	client := NewEtherscanClient(server.URL, "", time.Second, mutedLogger())
	_, _, err := client.Describe(context.Background(), victim)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no verified ABI")
}

func TestDescribeAPIError(t *testing.T) {
	server := serveSource(t, func(*http.Request) interface{} {
		return map[string]interface{}{
			"status":  "0",
			"message": "NOTOK",
			"result":  "Max rate limit reached",
		}
	})
	defer server.Close()

	client := NewEtherscanClient(server.URL, "", time.Second, mutedLogger())
	_, _, err := client.Describe(context.Background(), victim)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Max rate limit reached")
}
