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
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	developmentAccountName = "devstoreaccount1"
	developmentAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	developmentBlobURL     = "http://127.0.0.1:10000/" + developmentAccountName
)

type (
	// ConnectionInfo is the parsed form of an Azure Storage account connection string
	ConnectionInfo struct {
		Protocol       string
		AccountName    string
		AccountKey     string
		EndpointSuffix string
		BlobEndpoint   string
	}
)

// ParseConnectionString parses a storage account connection string such as
// "DefaultEndpointsProtocol=https;AccountName=name;AccountKey=key;EndpointSuffix=core.windows.net"
func ParseConnectionString(connStr string) (ConnectionInfo, error) {
	var info ConnectionInfo
	for _, part := range strings.Split(connStr, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.Index(part, "=")
		if idx < 1 {
			return ConnectionInfo{}, errors.Errorf("malformed connection string segment %q", redact(part))
		}
		key, value := part[:idx], part[idx+1:]

		switch strings.ToLower(key) {
		case "defaultendpointsprotocol":
			info.Protocol = value
		case "accountname":
			info.AccountName = value
		case "accountkey":
			info.AccountKey = value
		case "endpointsuffix":
			info.EndpointSuffix = value
		case "blobendpoint":
			info.BlobEndpoint = value
		case "usedevelopmentstorage":
			if strings.EqualFold(value, "true") {
				info.Protocol = "http"
				info.AccountName = developmentAccountName
				info.AccountKey = developmentAccountKey
				info.BlobEndpoint = developmentBlobURL
			}
		}
	}

	if info.AccountName == "" {
		return ConnectionInfo{}, errors.New("connection string is missing AccountName")
	}
	if info.AccountKey == "" {
		return ConnectionInfo{}, errors.New("connection string is missing AccountKey")
	}
	return info, nil
}

// BlobServiceURL is the blob endpoint of the account. An explicit BlobEndpoint wins over one built from the protocol
// and endpoint suffix; the suffix defaults to the one of the Azure environment in AZURE_ENVIRONMENT.
func (ci ConnectionInfo) BlobServiceURL() (string, error) {
	if ci.BlobEndpoint != "" {
		return strings.TrimSuffix(ci.BlobEndpoint, "/"), nil
	}

	protocol := ci.Protocol
	if protocol == "" {
		protocol = "https"
	}

	suffix := ci.EndpointSuffix
	if suffix == "" {
		env, err := azureEnvFromEnvironment()
		if err != nil {
			return "", err
		}
		suffix = env.StorageEndpointSuffix
	}
	return fmt.Sprintf("%s://%s.blob.%s", protocol, ci.AccountName, suffix), nil
}

func redact(segment string) string {
	if strings.HasPrefix(strings.ToLower(segment), "accountkey") {
		return "AccountKey=***"
	}
	return segment
}
