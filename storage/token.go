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
	"context"
	"os"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/aad"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	refreshBeforeExpiry = 2 * time.Minute
	retryRefreshAfter   = 30 * time.Second
)

type (
	// AADCredentialOption provides options for configuring AAD storage credentials
	AADCredentialOption func(*aad.TokenProviderConfiguration) error

	tokenRefresher struct {
		spToken *adal.ServicePrincipalToken
	}
)

// AADCredentialWithEnvironmentVars configures the credential using the environment variables available. A service
// principal is used with "AZURE_TENANT_ID", "AZURE_CLIENT_ID" and either "AZURE_CLIENT_SECRET" or
// "AZURE_CERTIFICATE_PATH" and "AZURE_CERTIFICATE_PASSWORD". Without them, Managed Service Identity is attempted.
//
// The Azure Environment used can be specified using the name of the Azure Environment set in "AZURE_ENVIRONMENT" var.
func AADCredentialWithEnvironmentVars() AADCredentialOption {
	return func(config *aad.TokenProviderConfiguration) error {
		config.TenantID = os.Getenv("AZURE_TENANT_ID")
		config.ClientID = os.Getenv("AZURE_CLIENT_ID")
		config.ClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
		config.CertificatePath = os.Getenv("AZURE_CERTIFICATE_PATH")
		config.CertificatePassword = os.Getenv("AZURE_CERTIFICATE_PASSWORD")

		if config.Env == nil {
			env, err := azureEnvFromEnvironment()
			if err != nil {
				return err
			}
			config.Env = env
		}
		return nil
	}
}

// NewAADCredential constructs an azblob token credential from Azure Active Directory credentials. The token is
// refreshed in the background shortly before it expires.
func NewAADCredential(opts ...AADCredentialOption) (azblob.TokenCredential, error) {
	config := &aad.TokenProviderConfiguration{}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if config.Env == nil {
		env, err := azureEnvFromEnvironment()
		if err != nil {
			return nil, err
		}
		config.Env = env
	}
	config.ResourceURI = config.Env.ResourceIdentifiers.Storage

	spToken, err := config.NewServicePrincipalToken()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := spToken.RefreshWithContext(ctx); err != nil {
		return nil, errors.Wrap(err, "acquiring storage token")
	}

	r := &tokenRefresher{spToken: spToken}
	return azblob.NewTokenCredential(spToken.OAuthToken(), r.refresh), nil
}

// refresh renews the token and returns when it should next be called
func (r *tokenRefresher) refresh(credential azblob.TokenCredential) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.spToken.RefreshWithContext(ctx); err != nil {
		log.Errorf("failed to refresh storage token: %v", err)
		return retryRefreshAfter
	}

	token := r.spToken.Token()
	credential.SetToken(token.AccessToken)
	return nextRefresh(token.Expires(), time.Now())
}

func nextRefresh(expires, now time.Time) time.Duration {
	wait := expires.Sub(now) - refreshBeforeExpiry
	if wait < retryRefreshAfter {
		return retryRefreshAfter
	}
	return wait
}

func azureEnvFromEnvironment() (*azure.Environment, error) {
	envName := os.Getenv("AZURE_ENVIRONMENT")

	var env azure.Environment
	if envName == "" {
		env = azure.PublicCloud
	} else {
		var err error
		env, err = azure.EnvironmentFromName(envName)
		if err != nil {
			return nil, err
		}
	}
	return &env, nil
}
