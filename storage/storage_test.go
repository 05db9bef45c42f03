package storage

//	MIT License
//
//	Copyright (c) Microsoft Corporation. All rights reserved.
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/health-events-go/persist"
)

type fakeStorageError struct {
	code azblob.ServiceCodeType
}

func (e fakeStorageError) Error() string {
	return string(e.code)
}

func (e fakeStorageError) ServiceCode() azblob.ServiceCodeType {
	return e.code
}

func TestParseConnectionString(t *testing.T) {
	info, err := ParseConnectionString("DefaultEndpointsProtocol=https;AccountName=myacct;AccountKey=a2V5PT0=;EndpointSuffix=core.chinacloudapi.cn")
	require.NoError(t, err)
	assert.Equal(t, "https", info.Protocol)
	assert.Equal(t, "myacct", info.AccountName)
	assert.Equal(t, "a2V5PT0=", info.AccountKey, "keys may contain '='")
	assert.Equal(t, "core.chinacloudapi.cn", info.EndpointSuffix)

	serviceURL, err := info.BlobServiceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://myacct.blob.core.chinacloudapi.cn", serviceURL)
}

func TestParseConnectionString_BlobEndpoint(t *testing.T) {
	info, err := ParseConnectionString("AccountName=myacct;AccountKey=a2V5;BlobEndpoint=https://custom.example.com/;")
	require.NoError(t, err)

	serviceURL, err := info.BlobServiceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.com", serviceURL)
}

func TestParseConnectionString_DefaultSuffix(t *testing.T) {
	require.NoError(t, os.Unsetenv("AZURE_ENVIRONMENT"))
	info, err := ParseConnectionString("AccountName=myacct;AccountKey=a2V5")
	require.NoError(t, err)

	serviceURL, err := info.BlobServiceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://myacct.blob."+azure.PublicCloud.StorageEndpointSuffix, serviceURL)
}

func TestParseConnectionString_DevelopmentStorage(t *testing.T) {
	info, err := ParseConnectionString("UseDevelopmentStorage=true")
	require.NoError(t, err)
	assert.Equal(t, developmentAccountName, info.AccountName)

	serviceURL, err := info.BlobServiceURL()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", serviceURL)
}

func TestParseConnectionString_Invalid(t *testing.T) {
	cases := map[string]string{
		"MissingName":  "AccountKey=a2V5",
		"MissingKey":   "AccountName=myacct",
		"NoSeparator":  "AccountName=myacct;garbage",
		"Empty":        "",
		"EmptyKeyName": "=value;AccountName=myacct;AccountKey=a2V5",
	}

	for name, connStr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnectionString(connStr)
			assert.Error(t, err)
		})
	}
}

func TestParseConnectionString_RedactsKey(t *testing.T) {
	_, err := ParseConnectionString("AccountKey")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "AccountKey\"")
	assert.Equal(t, "AccountKey=***", redact("AccountKey=secret"))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil, "x"))

	err := classify(fakeStorageError{code: azblob.ServiceCodeBlobNotFound}, "x")
	assert.True(t, persist.IsNotFound(err))
	assert.True(t, errors.Is(err, persist.ErrRecordNotFound))

	err = classify(fakeStorageError{code: azblob.ServiceCodeContainerNotFound}, "x")
	assert.True(t, errors.Is(err, persist.ErrContainerNotFound))

	other := fakeStorageError{code: azblob.ServiceCodeAuthenticationFailed}
	assert.Equal(t, other, classify(other, "x"))

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classify(plain, "x"))
}

func TestNewBlobPersister(t *testing.T) {
	credential, err := azblob.NewSharedKeyCredential("myacct", "a2V5")
	require.NoError(t, err)

	_, err = NewBlobPersister(nil, "myacct", "checkpoints")
	assert.Error(t, err)

	_, err = NewBlobPersister(credential, "myacct", "")
	assert.Error(t, err)

	_, err = NewBlobPersister(credential, "", "checkpoints")
	assert.Error(t, err)

	bp, err := NewBlobPersister(credential, "myacct", "checkpoints", BlobPersisterWithEnvironment(azure.USGovernmentCloud))
	require.NoError(t, err)
	u := bp.containerURL.URL()
	assert.Equal(t, "https://myacct.blob."+azure.USGovernmentCloud.StorageEndpointSuffix+"/checkpoints", u.String())
	assert.Equal(t, "checkpoints", bp.ContainerName())
}

func TestNewBlobPersisterFromConnectionString(t *testing.T) {
	bp, err := NewBlobPersisterFromConnectionString("UseDevelopmentStorage=true", "checkpoints")
	require.NoError(t, err)
	u := bp.containerURL.URL()
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1/checkpoints", u.String())
}

func TestNextRefresh(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 58*time.Minute, nextRefresh(now.Add(time.Hour), now))
	assert.Equal(t, retryRefreshAfter, nextRefresh(now.Add(time.Minute), now))
	assert.Equal(t, retryRefreshAfter, nextRefresh(now.Add(-time.Minute), now))
}
