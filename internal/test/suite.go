package test

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
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

var (
	letterRunes = []rune("abcdefghijklmnopqrstuvwxyz123456789")
	debug       = flag.Bool("debug", false, "output debug level logging")
)

const (
	// StorageConnectionStringEnv names the storage account the integration suites write checkpoints to
	StorageConnectionStringEnv = "STORAGE_CONNECTION_STRING"

	// EventHubConnectionStringEnv names the Event Hub the integration suites read from
	EventHubConnectionStringEnv = "EVENTHUB_CONNECTION_STRING"
)

type (
	// BaseSuite encapsulates an end to end test against live Azure resources. Suites are skipped when the
	// environment does not describe the resources they need.
	BaseSuite struct {
		suite.Suite
		Env   azure.Environment
		TagID string
	}
)

func init() {
	rand.Seed(time.Now().Unix())
}

// SetupSuite constructs the test suite from the environment and a .env file when one is present
func (suite *BaseSuite) SetupSuite() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded")
	}

	suite.TagID = RandomString("tag", 10)
	envName := os.Getenv("AZURE_ENVIRONMENT")
	if envName == "" {
		suite.Env = azure.PublicCloud
	} else {
		env, err := azure.EnvironmentFromName(envName)
		if err != nil {
			log.Fatal(err)
		}
		suite.Env = env
	}
}

// RequireEnv returns the value of each key, skipping the suite when any of them is unset
func (suite *BaseSuite) RequireEnv(keys ...string) map[string]string {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			suite.T().Skipf("environment variable %s is required for integration tests", key)
		}
		values[key] = v
	}
	return values
}

// RandomName generates a random name tagged with the suite id
func (suite *BaseSuite) RandomName(prefix string, length int) string {
	return RandomString(prefix, length) + "-" + suite.TagID
}

// RandomString generates a random string with prefix
func RandomString(prefix string, length int) string {
	b := make([]rune, length)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return prefix + "-" + string(b)
}
