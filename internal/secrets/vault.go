package secrets

import (
	"context"
	"errors"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrProjectNotSet = errors.New("gcp_project_not_set")
	ErrKeyNotFound   = errors.New("api_key_not_found")
)

// Vault stores provider API keys per user.
type Vault interface {
	StoreAPIKey(ctx context.Context, userID, provider, apiKey string) error
	GetAPIKey(ctx context.Context, userID, provider string) (string, error)
	DeleteAPIKey(ctx context.Context, userID, provider string) error
	Close() error
}

// secretClient is the subset of the Secret Manager client the vault calls.
type secretClient interface {
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
	Close() error
}

type secretManagerVault struct {
	client    secretClient
	projectID string
}

// NewSecretManagerVault connects to Secret Manager. Secret Manager has no
// emulator, so a real project is required in every environment.
func NewSecretManagerVault(ctx context.Context, projectID, credentialsFile string) (Vault, error) {
	if projectID == "" {
		return nil, ErrProjectNotSet
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return newVault(client, projectID), nil
}

func newVault(client secretClient, projectID string) *secretManagerVault {
	return &secretManagerVault{client: client, projectID: projectID}
}

// SecretName is the secret id holding one user's key for one provider.
func SecretName(userID, provider string) string {
	return fmt.Sprintf("user-%s-%s-key", userID, provider)
}

func (v *secretManagerVault) secretPath(userID, provider string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", v.projectID, SecretName(userID, provider))
}

// StoreAPIKey creates the secret on first use and adds a new version holding apiKey.
func (v *secretManagerVault) StoreAPIKey(ctx context.Context, userID, provider, apiKey string) error {
	secretPath := v.secretPath(userID, provider)

	_, err := v.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: secretPath})
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to look up secret: %w", err)
		}
		_, err := v.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   fmt.Sprintf("projects/%s", v.projectID),
			SecretId: SecretName(userID, provider),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create secret: %w", err)
		}
	}

	_, err = v.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: secretPath,
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(apiKey),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add secret version: %w", err)
	}
	return nil
}

func (v *secretManagerVault) GetAPIKey(ctx context.Context, userID, provider string) (string, error) {
	result, err := v.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: v.secretPath(userID, provider) + "/versions/latest",
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.GetPayload().GetData()), nil
}

func (v *secretManagerVault) DeleteAPIKey(ctx context.Context, userID, provider string) error {
	err := v.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: v.secretPath(userID, provider)})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrKeyNotFound
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

func (v *secretManagerVault) Close() error {
	return v.client.Close()
}
