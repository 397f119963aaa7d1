// Package credentials looks up the quality-backend credential from a
// Kubernetes Secret, with an environment fallback for out-of-cluster runs.
package credentials

import (
	"context"
	"fmt"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/psturc/coverage-processor/upload"
)

// Secret keys holding the credential parts.
const (
	tokenKey = "token"
	urlKey   = "url"
)

// Lookup resolves the upload credential. Implementations must never cache
// beyond process lifetime or write the token anywhere.
type Lookup interface {
	Credential(ctx context.Context) (upload.Credential, error)
}

// SecretLookup reads the credential from a namespaced Kubernetes Secret.
type SecretLookup struct {
	Namespace string
	Name      string
}

// Credential fetches and decodes the secret. The token never appears in logs
// or errors.
func (s *SecretLookup) Credential(ctx context.Context) (upload.Credential, error) {
	var cred upload.Credential

	config, err := rest.InClusterConfig()
	if err != nil {
		return cred, fmt.Errorf("failed to get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return cred, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secret, err := clientset.CoreV1().Secrets(s.Namespace).Get(ctx, s.Name, metav1.GetOptions{})
	if err != nil {
		return cred, fmt.Errorf("failed to get secret %s/%s: %w", s.Namespace, s.Name, err)
	}

	return credentialFromSecret(secret)
}

// credentialFromSecret decodes the credential parts from a Secret.
func credentialFromSecret(secret *corev1.Secret) (upload.Credential, error) {
	cred := upload.Credential{
		Token:   string(secret.Data[tokenKey]),
		HostURL: string(secret.Data[urlKey]),
	}
	if cred.Token == "" || cred.HostURL == "" {
		return upload.Credential{}, fmt.Errorf("secret %s/%s is missing %q or %q",
			secret.Namespace, secret.Name, tokenKey, urlKey)
	}
	return cred, nil
}

// EnvLookup reads the credential from QUALITY_BACKEND_TOKEN and
// QUALITY_BACKEND_URL. Intended for local runs and tests.
type EnvLookup struct{}

func (EnvLookup) Credential(context.Context) (upload.Credential, error) {
	cred := upload.Credential{
		Token:   os.Getenv("QUALITY_BACKEND_TOKEN"),
		HostURL: os.Getenv("QUALITY_BACKEND_URL"),
	}
	if cred.Token == "" || cred.HostURL == "" {
		return upload.Credential{}, fmt.Errorf("QUALITY_BACKEND_TOKEN and QUALITY_BACKEND_URL must be set")
	}
	return cred, nil
}

// DefaultLookup picks the secret-backed lookup in cluster and the
// environment fallback elsewhere.
func DefaultLookup(namespace, name string) Lookup {
	if _, err := rest.InClusterConfig(); err == nil {
		return &SecretLookup{Namespace: namespace, Name: name}
	}
	return EnvLookup{}
}
