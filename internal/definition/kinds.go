package definition

import (
	"context"
	"fmt"

	"github.com/defstore-io/defstore/internal/secretstore"
)

// Built-in type discriminators.
const (
	KindAWS            = "aws"
	KindKubernetes     = "kubernetes"
	KindDockerRegistry = "dockerRegistry"
)

// RegisterBuiltins registers the definition kinds shipped with the service.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(KindAWS, func() Definition { return &AWSAccount{} }); err != nil {
		return err
	}
	if err := r.Register(KindKubernetes, func() Definition { return &KubernetesAccount{} }); err != nil {
		return err
	}
	return r.Register(KindDockerRegistry, func() Definition { return &DockerRegistry{} })
}

// AWSAccount describes credentials for one AWS account.
type AWSAccount struct {
	Name            string   `json:"name"`
	AccountID       string   `json:"accountId"`
	Regions         []string `json:"regions,omitempty"`
	AssumeRole      string   `json:"assumeRole,omitempty"`
	AccessKeyID     string   `json:"accessKeyId,omitempty"`
	SecretAccessKey string   `json:"secretAccessKey,omitempty"`
}

func (a *AWSAccount) DefinitionName() string { return a.Name }
func (a *AWSAccount) Kind() string           { return KindAWS }

func (a *AWSAccount) ResolveSecrets(ctx context.Context, r secretstore.Resolver) error {
	return secretstore.ResolveField(ctx, r, &a.SecretAccessKey)
}

// KubernetesAccount describes access to one Kubernetes cluster.
type KubernetesAccount struct {
	Name       string   `json:"name"`
	Context    string   `json:"context,omitempty"`
	Kubeconfig string   `json:"kubeconfig,omitempty"`
	Namespaces []string `json:"namespaces,omitempty"`
}

func (k *KubernetesAccount) DefinitionName() string { return k.Name }
func (k *KubernetesAccount) Kind() string           { return KindKubernetes }

func (k *KubernetesAccount) ResolveSecrets(ctx context.Context, r secretstore.Resolver) error {
	return secretstore.ResolveField(ctx, r, &k.Kubeconfig)
}

// DockerRegistry describes credentials for a container image registry.
type DockerRegistry struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (d *DockerRegistry) DefinitionName() string { return d.Name }
func (d *DockerRegistry) Kind() string           { return KindDockerRegistry }

func (d *DockerRegistry) ResolveSecrets(ctx context.Context, r secretstore.Resolver) error {
	if err := secretstore.ResolveField(ctx, r, &d.Password); err != nil {
		return fmt.Errorf("registry %s: %w", d.Name, err)
	}
	return nil
}
