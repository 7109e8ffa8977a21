package k8s

import (
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/stratoform/cartograph/pkg/model"
)

// NewClientset builds the cluster client. In-cluster service account
// credentials win when present and nothing more specific was asked for;
// otherwise the kubeconfig chain applies, with path and context overrides.
func NewClientset(kubeconfig, contextName string) (kubernetes.Interface, error) {
	cfg, err := restConfig(kubeconfig, contextName)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "k8s-client", err, "building kubernetes clientset")
	}
	return cs, nil
}

func restConfig(kubeconfig, contextName string) (*rest.Config, error) {
	if kubeconfig == "" && contextName == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "k8s-kubeconfig", err, "loading kubeconfig")
	}
	return cfg, nil
}
