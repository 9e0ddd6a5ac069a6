// Command iamagent runs the secondary-node half of the RegisterNode bidi
// stream: it dials a main node's protected endpoint, surrenders its
// NodeInfo, and services whatever the main node forwards against its own
// local CredentialStore and ProvisioningStateMachine. Flag surface mirrors
// cmd/iamserver's, grounded on the same mosaicnetworks-babble cobra
// command shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgefleet/iamfleet/internal/agent"
	"github.com/edgefleet/iamfleet/internal/config"
	"github.com/edgefleet/iamfleet/internal/credstore"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/logging"
	"github.com/edgefleet/iamfleet/internal/provisioning"
	"github.com/edgefleet/iamfleet/internal/tlsserver"
)

var (
	configPath       string
	journalPath      string
	verboseLevel     string
	provisioningMode bool
)

func main() {
	root := &cobra.Command{
		Use:          "iamagent",
		Short:        "IAM secondary-node agent",
		Version:      "5.0.0",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVar(&configPath, "config", "/etc/iamfleet/iamagent.json", "path to the JSON configuration file")
	root.Flags().StringVar(&journalPath, "journal", "-", "log sink: '-' for stderr, or a file path")
	root.Flags().StringVar(&verboseLevel, "verbose", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&provisioningMode, "provisioning", false, "start in provisioning-allowed mode")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	sink, closeSink, err := logging.OpenSink(journalPath)
	if err != nil {
		return err
	}
	defer closeSink()
	log := logging.New(verboseLevel, false, sink)

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if provisioningMode {
		log.Info("starting in provisioning-allowed mode")
	}

	modules := make([]credstore.ModuleConfig, 0, len(cfg.CertModules))
	for _, m := range cfg.CertModules {
		params := m.Params
		if params == nil {
			params = map[string]interface{}{}
		}
		params["__disabled"] = m.Disabled
		modules = append(modules, credstore.ModuleConfig{
			ID:        m.ID,
			Plugin:    m.Plugin,
			Algorithm: m.Algorithm,
			MaxItems:  m.MaxItems,
			Params:    params,
		})
	}
	creds, err := credstore.New(modules, []byte(cfg.ProvisioningPasswordHash))
	if err != nil {
		return fmt.Errorf("build credential store: %w", err)
	}

	prov, err := provisioning.Load(cfg.NodeInfo.ProvisioningStatePath, provisioning.Hooks{
		OnFinishProvisioning: runCmdHook(cfg.FinishProvisioningCmdArgs),
		OnDeprovision:        runCmdHook(cfg.DeprovisionCmdArgs),
	})
	if err != nil {
		return fmt.Errorf("load provisioning state: %w", err)
	}

	var idProvider identity.Provider
	if cfg.Identifier.Plugin != "" {
		idProvider, err = identity.New(cfg.Identifier.Plugin, cfg.Identifier.Params)
		if err != nil {
			return fmt.Errorf("build identity provider: %w", err)
		}
	}

	material, err := tlsserver.LoadMaterial(cfg.ClientCert, cfg.ClientKey, cfg.CACert)
	if err != nil {
		return fmt.Errorf("load client TLS material: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		return fmt.Errorf("nodeId must be configured for iamagent")
	}

	ag := agent.New(agent.Options{
		NodeID:            nodeID,
		MainProtectedAddr: cfg.MainIAMProtectedServerURL,
		ServerName:        cfg.ServerName,
		Material:          material,
		ReconnectInterval: cfg.NodeReconnectInterval,
		Creds:             creds,
		Provisioning:      prov,
		Identity:          idProvider,
		SelfInfo:          func() iampb.NodeInfo { return selfNodeInfo(cfg, nodeID) },
		Log:               log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("iamagent starting", "node_id", nodeID, "main", cfg.MainIAMProtectedServerURL)
	return ag.Run(ctx)
}

func selfNodeInfo(cfg *config.AgentConfig, nodeID string) iampb.NodeInfo {
	attrs := cfg.NodeInfo.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	return iampb.NodeInfo{
		NodeID:   nodeID,
		NodeType: cfg.NodeInfo.NodeType,
		Name:     cfg.NodeInfo.NodeName,
		OSType:   cfg.NodeInfo.OSType,
		Attrs:    attrs,
		MaxDMIPS: uint64(cfg.NodeInfo.MaxDMIPS),
	}
}

func runCmdHook(args []string) func() error {
	if len(args) == 0 {
		return nil
	}
	return func() error {
		cmd := exec.Command(args[0], args[1:]...)
		return cmd.Run()
	}
}

