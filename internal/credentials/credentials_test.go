package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantLen int
	}{
		{
			name:    "empty request yields no credentials",
			req:     Request{},
			wantLen: 0,
		},
		{
			name:    "authorized keys only",
			req:     Request{AuthorizedKeys: []byte("ssh-ed25519 AAAA...")},
			wantLen: 1,
		},
		{
			name: "keys plus units",
			req: Request{
				AuthorizedKeys: []byte("ssh-ed25519 AAAA..."),
				Units: []UnitFile{
					{Filename: "bcvk-install.service", Content: []byte("[Unit]\n")},
				},
			},
			wantLen: 2,
		},
	}

	var enc Encoder
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := enc.Encode(tc.req)
			require.NoError(t, err)
			assert.Len(t, got, tc.wantLen)
		})
	}
}

func TestEncodeIsPure(t *testing.T) {
	var enc Encoder
	req := Request{
		AuthorizedKeys: []byte("ssh-ed25519 AAAA..."),
		Units: []UnitFile{
			{Filename: "a.service", Content: []byte("content-a")},
		},
	}

	first, err := enc.Encode(req)
	require.NoError(t, err)
	second, err := enc.Encode(req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEncodeBase64WrapsContent(t *testing.T) {
	var enc Encoder
	creds, err := enc.Encode(Request{AuthorizedKeys: []byte("raw-key-bytes")})
	require.NoError(t, err)
	require.Len(t, creds, 1)

	decoded, err := base64.StdEncoding.DecodeString(string(creds[0].Content))
	require.NoError(t, err)
	assert.Equal(t, "raw-key-bytes", string(decoded))
}

func TestEncodeNamesMatchContract(t *testing.T) {
	var enc Encoder
	creds, err := enc.Encode(Request{
		AuthorizedKeys: []byte("key"),
		Units: []UnitFile{
			{Filename: "one.service", Content: []byte("x")},
		},
	})
	require.NoError(t, err)
	require.Len(t, creds, 2)

	assert.Equal(t, AuthorizedKeysCredentialName, creds[0].Name)
	assert.Equal(t, UnitCredentialPrefix+"one.service", creds[1].Name)
}

func TestEncodeRejectsDuplicateUnitFilenames(t *testing.T) {
	var enc Encoder
	_, err := enc.Encode(Request{
		Units: []UnitFile{
			{Filename: "dup.service", Content: []byte("a")},
			{Filename: "dup.service", Content: []byte("b")},
		},
	})
	require.Error(t, err)
}

func TestEncodeRejectsEmptyFilename(t *testing.T) {
	var enc Encoder
	_, err := enc.Encode(Request{
		Units: []UnitFile{{Filename: "", Content: []byte("a")}},
	})
	require.Error(t, err)
}

func TestSMBIOSOEMString(t *testing.T) {
	c := Credential{Name: "ssh.authorized_keys.root", Content: []byte("cm9vdA==")}
	assert.Equal(t, "io.systemd.credential.binary:ssh.authorized_keys.root=cm9vdA==", c.SMBIOSOEMString())
}
