package api

import (
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"agentic-trust/internal/auth"
	"agentic-trust/internal/chainsvc"
	"agentic-trust/internal/deploy"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
	"agentic-trust/internal/web3"
	"agentic-trust/pkg/logger"
)

// ResolveAccountRequest is the body of POST /api/agents/resolve-account.
type ResolveAccountRequest struct {
	AgentName string `json:"agentName"`
	ChainID   int64  `json:"chainId,omitempty"`
}

// ResolveAccountResponse reports the resolved account, if any. Resolution
// failures are written as error bodies instead.
type ResolveAccountResponse struct {
	Account string `json:"account,omitempty"`
	Method  string `json:"method"`
}

// AccountAddressRequest is the body of POST /api/agents/aa/address.
type AccountAddressRequest struct {
	AgentName  string `json:"agentName"`
	EOAAddress string `json:"eoaAddress,omitempty"`
	ChainID    int64  `json:"chainId,omitempty"`
}

// AccountAddressResponse carries the agent account address.
type AccountAddressResponse struct {
	Address string `json:"address"`
	Method  string `json:"method"`
}

// DeployRequest is the body of POST /api/agents/aa/deploy.
type DeployRequest struct {
	ID         string `json:"id,omitempty"`
	AgentName  string `json:"agentName"`
	EOAAddress string `json:"eoaAddress,omitempty"`
	ChainID    int64  `json:"chainId,omitempty"`
}

// DeployResponse acknowledges a queued deployment.
type DeployResponse struct {
	JobID  string        `json:"jobId"`
	Status deploy.Status `json:"status"`
}

// FeedbackAuthRequest is the body of POST /api/agents/feedback-auth.
type FeedbackAuthRequest struct {
	AgentID       string  `json:"agentId,omitempty"`
	ClientAddress string  `json:"clientAddress"`
	ChainID       int64   `json:"chainId,omitempty"`
	IndexLimit    *uint64 `json:"indexLimit,omitempty"`
	ExpirySeconds uint64  `json:"expirySeconds,omitempty"`
	Format        string  `json:"format,omitempty"`
}

// FeedbackAuthResponse is an issued auth.
type FeedbackAuthResponse struct {
	Payload          string `json:"payload"`
	Signature        string `json:"signature"`
	Encoded          string `json:"encoded"`
	Format           string `json:"format"`
	AgentID          string `json:"agentId"`
	ClientAddress    string `json:"clientAddress"`
	IndexLimit       uint64 `json:"indexLimit"`
	Expiry           uint64 `json:"expiry"`
	ChainID          int64  `json:"chainId"`
	IdentityRegistry string `json:"identityRegistry"`
	SignerAddress    string `json:"signerAddress"`
}

// RegistrationResponse is an agent's registration document.
type RegistrationResponse struct {
	AgentID  string         `json:"agentId"`
	ChainID  int64          `json:"chainId"`
	TokenURI string         `json:"tokenUri"`
	Document map[string]any `json:"document"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(xerrors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.log.Warn("请求处理失败", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, err)
}

func (s *Server) chainOrDefault(chainID int64) int64 {
	if chainID == 0 {
		return s.opts.DefaultChainID
	}
	return chainID
}

func notConfigured(what string) error {
	return xerrors.New(xerrors.CodeNotConfigured, what+" 未配置")
}

func parseOptionalAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !web3.IsValidAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法地址",
			xerrors.WithMetadata("field", field))
	}
	return common.HexToAddress(raw), nil
}

func requireName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agentName 不能为空")
	}
	return name, nil
}

func (s *Server) handleResolveAccount(w http.ResponseWriter, r *http.Request) {
	var req ResolveAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name, err := requireName(req.AgentName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Resolvers == nil {
		s.fail(w, r, notConfigured("账户解析"))
		return
	}
	resolver := s.opts.Resolvers(s.chainOrDefault(req.ChainID))
	if resolver == nil {
		s.fail(w, r, notConfigured("账户解析"))
		return
	}
	res := resolver.GetAgentAccountByAgentName(r.Context(), name)
	if res.Error != nil {
		s.fail(w, r, res.Error)
		return
	}
	resp := ResolveAccountResponse{Method: string(res.Method)}
	if res.Account != nil {
		resp.Account = res.Account.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccountAddress(w http.ResponseWriter, r *http.Request) {
	var req AccountAddressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name, err := requireName(req.AgentName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	eoa, err := parseOptionalAddress("eoaAddress", req.EOAAddress)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Accounts == nil {
		s.fail(w, r, notConfigured("智能账户"))
		return
	}
	result, err := s.opts.Accounts.GetAgentAccountAddress(r.Context(), name, eoa, s.chainOrDefault(req.ChainID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountAddressResponse{Address: result.Address.Hex(), Method: string(result.Method)})
}

func (s *Server) handleSubmitDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	eoa, err := parseOptionalAddress("eoaAddress", req.EOAAddress)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Deployments == nil {
		s.fail(w, r, notConfigured("部署队列"))
		return
	}
	job, err := s.opts.Deployments.Submit(r.Context(), deploy.Request{
		ID:        req.ID,
		AgentName: req.AgentName,
		Owner:     eoa,
		ChainID:   s.chainOrDefault(req.ChainID),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, DeployResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Deployments == nil {
		s.fail(w, r, notConfigured("部署队列"))
		return
	}
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		job, err := s.opts.Deployments.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	var opts []deploy.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		opts = append(opts, deploy.WithLimit(limit))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []deploy.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, deploy.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, deploy.WithStatuses(statuses...))
	}
	if name := strings.TrimSpace(query.Get("agentName")); name != "" {
		opts = append(opts, deploy.WithAgentName(name))
	}
	jobs, err := s.opts.Deployments.List(r.Context(), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*deploy.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleFeedbackAuth(w http.ResponseWriter, r *http.Request) {
	var req FeedbackAuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	client, err := parseOptionalAddress("clientAddress", req.ClientAddress)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if client == (common.Address{}) {
		s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "clientAddress 不能为空"))
		return
	}
	var agentID *big.Int
	if raw := strings.TrimSpace(req.AgentID); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 0)
		if !ok || parsed.Sign() < 0 {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "agentId 无效"))
			return
		}
		agentID = parsed
	}
	format, err := feedback.ParseFormat(req.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Feedback == nil {
		s.fail(w, r, notConfigured("反馈授权"))
		return
	}
	result, err := s.opts.Feedback.Authorize(r.Context(), chainsvc.FeedbackRequest{
		ChainID:       req.ChainID,
		AgentID:       agentID,
		ClientAddress: client,
		IndexLimit:    req.IndexLimit,
		ExpirySeconds: req.ExpirySeconds,
		Format:        format,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	signed := result.Auth
	logger.Audit().Info("签发反馈授权",
		slog.String("caller", auth.CallerName(r.Context())),
		slog.String("agent_id", signed.AgentID.String()),
		slog.String("client", signed.ClientAddress.Hex()),
		slog.Int64("chain_id", signed.ChainID.Int64()),
	)
	writeJSON(w, http.StatusOK, FeedbackAuthResponse{
		Payload:          result.PayloadHex(),
		Signature:        hexutil.Encode(result.Signature),
		Encoded:          hexutil.Encode(result.Encoded),
		Format:           result.Format.String(),
		AgentID:          signed.AgentID.String(),
		ClientAddress:    signed.ClientAddress.Hex(),
		IndexLimit:       signed.IndexLimit,
		Expiry:           signed.Expiry,
		ChainID:          signed.ChainID.Int64(),
		IdentityRegistry: signed.IdentityRegistry.Hex(),
		SignerAddress:    signed.SignerAddress.Hex(),
	})
}

func (s *Server) handleListFeedbackAuths(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		s.fail(w, r, notConfigured("反馈授权账本"))
		return
	}
	query := r.URL.Query()
	q := feedback.Query{AgentID: strings.TrimSpace(query.Get("agentId")), Limit: 50}
	if raw := query.Get("chainId"); raw != "" {
		chainID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "chainId 必须是整数"))
			return
		}
		q.ChainID = chainID
	}
	client, err := parseOptionalAddress("client", query.Get("client"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.ClientAddress = client
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		q.Limit = limit
	}
	records, err := s.opts.Ledger.List(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []feedback.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAgentRegistration(w http.ResponseWriter, r *http.Request) {
	agentID, ok := new(big.Int).SetString(strings.TrimSpace(r.PathValue("agentId")), 0)
	if !ok || agentID.Sign() < 0 {
		s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "agentId 无效"))
		return
	}
	var chainID int64
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, xerrors.New(xerrors.CodeInvalidArgument, "chainId 必须是整数"))
			return
		}
		chainID = parsed
	}
	if s.opts.Registrations == nil {
		s.fail(w, r, notConfigured("注册文档"))
		return
	}
	reg, err := s.opts.Registrations.AgentRegistration(r.Context(), s.chainOrDefault(chainID), agentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RegistrationResponse{
		AgentID:  reg.AgentID.String(),
		ChainID:  reg.ChainID,
		TokenURI: reg.TokenURI,
		Document: reg.Document,
	})
}
