package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentic-trust/sdk/go/agentictrust"
)

const (
	envServerURL   = "AGENTIC_TRUST_SERVER_URL"
	envAPIToken    = "AGENTIC_TRUST_API_TOKEN"
	defaultServer  = "http://127.0.0.1:8080"
	defaultTimeout = 30 * time.Second
)

type cli struct {
	server  string
	token   string
	timeout time.Duration
	client  *agentictrust.Client
}

func newRootCmd() *cobra.Command {
	env := viper.New()
	env.AutomaticEnv()
	server := defaultServer
	if v := strings.TrimSpace(env.GetString(envServerURL)); v != "" {
		server = v
	}

	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "agentic-trust 命令行客户端",
		Long:          "agentctl 通过 agenticd 的 HTTP API 解析 agent 账户、查询和部署智能账户、签发反馈授权。",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			client, err := agentictrust.NewClient(c.server, nil)
			if err != nil {
				return err
			}
			token := c.token
			if token == "" {
				token = env.GetString(envAPIToken)
			}
			client.SetToken(token)
			c.client = client
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.server, "server", server, "agenticd 地址 (环境变量 "+envServerURL+")")
	rootCmd.PersistentFlags().StringVar(&c.token, "token", "", "API key (环境变量 "+envAPIToken+")")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", defaultTimeout, "单次命令超时")

	rootCmd.AddCommand(
		newResolveCmd(c),
		newAccountAddressCmd(c),
		newDeployCmd(c),
		newDeployStatusCmd(c),
		newFeedbackAuthCmd(c),
		newFeedbackListCmd(c),
	)
	return rootCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
