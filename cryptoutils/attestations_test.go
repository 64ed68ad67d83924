package cryptoutils

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationProviders(t *testing.T) {
	var reportData [64]byte
	reportData[0] = 0xaa

	provider, err := NewAttestationProvider("dummy", "", nil)
	require.NoError(t, err)
	assert.Equal(t, DummyAttestation, provider.AttestationType())

	doc, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.Contains(t, string(doc), DummyDocumentPrefix)
	assert.Contains(t, string(doc), "aa00")

	_, err = NewAttestationProvider("remote", "", nil)
	assert.Error(t, err)
	_, err = NewAttestationProvider("sgx", "", nil)
	assert.Error(t, err)

	for _, mode := range []string{"nitro", "tdx"} {
		p, err := NewAttestationProvider(mode, "", nil)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}

	typ, err := AttestationTypeFromString("nitro")
	require.NoError(t, err)
	assert.Equal(t, NitroAttestation, typ)
}

func TestRemoteAttestationProvider(t *testing.T) {
	var reportData [64]byte
	reportData[63] = 0x01

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/attest/"+hex.EncodeToString(reportData[:]) {
			http.Error(w, "bad report data", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("quote"))
	}))
	defer srv.Close()

	provider := &RemoteAttestationProvider{Address: srv.URL}
	quote, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.Equal(t, []byte("quote"), quote)

	_, err = (&RemoteAttestationProvider{Address: srv.URL, Client: srv.Client()}).Attest([64]byte{})
	assert.ErrorContains(t, err, "status 400")
}

func TestEnclaveReportData(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}

	base := EnclaveReportData([][]byte{a, b}, nil)
	assert.Equal(t, base, EnclaveReportData([][]byte{a, b}, []byte{}))
	assert.NotEqual(t, base, EnclaveReportData([][]byte{b, a}, nil))
	assert.NotEqual(t, base, EnclaveReportData([][]byte{a, b}, []byte{0x02}))
	assert.NotEqual(t, base, EnclaveReportData([][]byte{{1, 2}, {3, 4, 5}}, nil))
}
