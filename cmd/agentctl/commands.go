package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"agentic-trust/sdk/go/agentictrust"
)

func (c *cli) withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func newResolveCmd(c *cli) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   "resolve <agent-name>",
		Short: "解析 agent 名称对应的账户",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			res, err := c.client.ResolveAccount(ctx, agentictrust.ResolveAccountRequest{AgentName: args[0], ChainID: chainID})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain", 0, "链 ID (默认使用服务端默认链)")
	return cmd
}

func newAccountAddressCmd(c *cli) *cobra.Command {
	var (
		chainID int64
		eoa     string
	)
	cmd := &cobra.Command{
		Use:   "aa-address <agent-name>",
		Short: "查询 agent 智能账户地址 (已部署或反事实)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			addr, err := c.client.AccountAddress(ctx, agentictrust.AccountAddressRequest{
				AgentName:  args[0],
				EOAAddress: eoa,
				ChainID:    chainID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, addr)
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain", 0, "链 ID")
	cmd.Flags().StringVar(&eoa, "eoa", "", "owner EOA 地址 (默认使用服务端配置的角色)")
	return cmd
}

func newDeployCmd(c *cli) *cobra.Command {
	var (
		chainID  int64
		eoa      string
		jobID    string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deploy <agent-name>",
		Short: "提交智能账户部署任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			ack, err := c.client.SubmitDeployment(ctx, agentictrust.DeployRequest{
				ID:         jobID,
				AgentName:  args[0],
				EOAAddress: eoa,
				ChainID:    chainID,
			})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd, ack)
			}
			job, err := c.client.WaitForDeployment(ctx, ack.JobID, interval)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain", 0, "链 ID")
	cmd.Flags().StringVar(&eoa, "eoa", "", "owner EOA 地址")
	cmd.Flags().StringVar(&jobID, "id", "", "幂等任务 ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "等待任务完成")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "等待时的轮询间隔")
	return cmd
}

func newDeployStatusCmd(c *cli) *cobra.Command {
	var (
		limit    int
		statuses []string
		agent    string
	)
	cmd := &cobra.Command{
		Use:   "deploy-status [job-id]",
		Short: "查询部署任务，省略 job-id 时列出最近的任务",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			if len(args) == 1 {
				job, err := c.client.GetDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			}
			jobs, err := c.client.ListDeployments(ctx, agentictrust.DeployFilter{
				Limit:     limit,
				Statuses:  statuses,
				AgentName: agent,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "返回条数")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "按状态过滤 (pending,running,succeeded,failed)")
	cmd.Flags().StringVar(&agent, "agent", "", "按 agent 名称过滤")
	return cmd
}

func newFeedbackAuthCmd(c *cli) *cobra.Command {
	var (
		req        agentictrust.FeedbackAuthRequest
		indexLimit uint64
	)
	cmd := &cobra.Command{
		Use:   "feedback-auth",
		Short: "使用 provider 会话密钥签发反馈授权",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("index-limit") {
				req.IndexLimit = &indexLimit
			}
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			auth, err := c.client.FeedbackAuth(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, auth)
		},
	}
	cmd.Flags().StringVar(&req.ClientAddress, "client", "", "被授权的客户端地址")
	cmd.Flags().StringVar(&req.AgentID, "agent-id", "", "agent ID (默认使用会话包中的 agent)")
	cmd.Flags().Int64Var(&req.ChainID, "chain", 0, "链 ID")
	cmd.Flags().Uint64Var(&indexLimit, "index-limit", 0, "覆盖 indexLimit")
	cmd.Flags().Uint64Var(&req.ExpirySeconds, "expiry", 0, "有效期秒数")
	cmd.Flags().StringVar(&req.Format, "format", "", "返回格式: signature 或 encoded")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newFeedbackListCmd(c *cli) *cobra.Command {
	var filter agentictrust.FeedbackFilter
	cmd := &cobra.Command{
		Use:   "feedback-list",
		Short: "列出已签发的反馈授权",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.withTimeout(cmd)
			defer cancel()
			records, err := c.client.ListFeedbackAuths(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().Int64Var(&filter.ChainID, "chain", 0, "链 ID")
	cmd.Flags().StringVar(&filter.AgentID, "agent-id", "", "agent ID")
	cmd.Flags().StringVar(&filter.ClientAddress, "client", "", "客户端地址")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "返回条数")
	return cmd
}
