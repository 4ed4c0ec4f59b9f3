// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	log "github.com/golang/glog"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/idtoken"
)

// SaveSecret stores payload as the first version of a new secret and returns the version name.
func SaveSecret(ctx context.Context, payload []byte, projectID, secretID string) (string, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	secret, err := client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + projectID,
		SecretId: secretID,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{Automatic: &secretmanagerpb.Replication_Automatic{}},
			},
			Labels: map[string]string{"app": "dap-aggregator"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create secret %s: %w", secretID, err)
	}
	version, err := client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  secret.Name,
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err != nil {
		return "", fmt.Errorf("add version to secret %s: %w", secret.Name, err)
	}
	return version.Name, nil
}

// ReadSecret reads a secret version.
func ReadSecret(ctx context.Context, name string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", name, err)
	}
	return resp.Payload.Data, nil
}

// IDToken returns a Google-signed ID token for the audience, the URL of the Helper. Without
// service account credentials it impersonates serviceAccount.
func IDToken(ctx context.Context, audience, serviceAccount string) (string, error) {
	ts, err := idtoken.NewTokenSource(ctx, audience)
	if err == nil {
		t, err := ts.Token()
		if err != nil {
			return "", fmt.Errorf("ID token for %s: %w", audience, err)
		}
		return t.AccessToken, nil
	}
	if serviceAccount == "" {
		return "", fmt.Errorf("ID token for %s: %w; no service account to impersonate", audience, err)
	}

	log.V(1).Infof("impersonating %s for ID tokens: %v", serviceAccount, err)
	svc, err := iamcredentials.NewService(ctx)
	if err != nil {
		return "", err
	}
	resp, err := svc.Projects.ServiceAccounts.GenerateIdToken("projects/-/serviceAccounts/"+serviceAccount, &iamcredentials.GenerateIdTokenRequest{
		Audience:     audience,
		IncludeEmail: true,
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("ID token for %s as %s: %w", audience, serviceAccount, err)
	}
	return resp.Token, nil
}

// PublishRequest publishes the JSON encoding of a request and waits for the server to accept it.
func PublishRequest(ctx context.Context, client *pubsub.Client, topicID string, request interface{}) error {
	b, err := json.Marshal(request)
	if err != nil {
		return err
	}
	topic := client.Topic(topicID)
	defer topic.Stop()

	id, err := topic.Publish(ctx, &pubsub.Message{Data: b}).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topicID, err)
	}
	log.Infof("published message %s to %s: %s", id, topicID, b)
	return nil
}

// ParsePubSubResourceName splits "projects/<project>/topics/<name>" or
// "projects/<project>/subscriptions/<name>" into the project ID and the name.
func ParsePubSubResourceName(name string) (projectID, relativeName string, err error) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 || parts[0] != "projects" || (parts[2] != "topics" && parts[2] != "subscriptions") || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("PubSub resource %q should look like projects/<project>/{topics,subscriptions}/<name>", name)
	}
	return parts[1], parts[3], nil
}
