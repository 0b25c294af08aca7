package api

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/upstream"
	"github.com/ant2api/ant2api/internal/util"
)

// viewAccount is the safe projection of an account for the manager API:
// never tokens, only identity and state.
type viewAccount struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	ProjectID   string `json:"projectId"`
	Enable      bool   `json:"enable"`
	Expired     bool   `json:"expired"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func toViewAccount(acc credential.Account, nowMS int64) viewAccount {
	expired := acc.IsExpired(nowMS)
	status := "active"
	switch {
	case !acc.Enable:
		status = "disabled"
	case expired:
		status = "expired"
	}

	name := acc.Email
	if name == "" {
		name = acc.ProjectID
	}
	if name == "" {
		name = "未命名账号"
	}

	return viewAccount{
		SessionID:   acc.SessionID,
		DisplayName: name,
		Email:       acc.Email,
		ProjectID:   acc.ProjectID,
		Enable:      acc.Enable,
		Expired:     expired,
		Status:      status,
		CreatedAt:   acc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ManagerStats serves GET /manager/api/stats.
func (s *Server) ManagerStats(c *gin.Context) {
	accounts := s.store.GetAll()
	nowMS := time.Now().UnixMilli()

	var active, expired, disabled int
	for i := range accounts {
		switch {
		case !accounts[i].Enable:
			disabled++
		case accounts[i].IsExpired(nowMS):
			expired++
		default:
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    len(accounts),
		"active":   active,
		"expired":  expired,
		"disabled": disabled,
	})
}

// ManagerList serves GET /manager/api/list with an optional status filter:
// all, active, expired or disabled.
func (s *Server) ManagerList(c *gin.Context) {
	status := strings.TrimSpace(c.Query("status"))
	accounts := s.store.GetAll()
	nowMS := time.Now().UnixMilli()

	views := make([]viewAccount, 0, len(accounts))
	for i := range accounts {
		v := toViewAccount(accounts[i], nowMS)
		if status != "" && status != "all" && v.Status != status {
			continue
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt > views[j].CreatedAt })

	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (s *Server) accountIndexBySessionID(sessionID string) (int, bool) {
	for i, acc := range s.store.GetAll() {
		if acc.SessionID == sessionID {
			return i, true
		}
	}
	return 0, false
}

// ManagerDelete serves POST /manager/api/delete?id=<sessionId>.
func (s *Server) ManagerDelete(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	idx, ok := s.accountIndexBySessionID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到"})
		return
	}
	if err := s.store.Delete(idx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.pool.DropSession(id)
	s.quotaCache.Invalidate(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ManagerToggle serves POST /manager/api/toggle?id=<sessionId>.
func (s *Server) ManagerToggle(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	idx, ok := s.accountIndexBySessionID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到"})
		return
	}

	accounts := s.store.GetAll()
	enable := !accounts[idx].Enable
	if err := s.store.SetEnable(idx, enable); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !enable {
		// Disabled accounts must leave the selection pool immediately.
		s.pool.DropSession(id)
	}

	accounts = s.store.GetAll()
	if idx >= len(accounts) {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": toViewAccount(accounts[idx], time.Now().UnixMilli())})
}

// ManagerRefresh serves POST /manager/api/refresh?id=<sessionId>.
func (s *Server) ManagerRefresh(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	idx, ok := s.accountIndexBySessionID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到"})
		return
	}

	msg := "凭证刷新成功"
	success := true
	if err := s.store.RefreshAccount(idx); err != nil {
		log.WithFields(log.Fields{"session_id": id, "error": err}).Warn("manager: manual refresh failed")
		msg = "凭证刷新失败"
		success = false
	} else {
		s.quotaCache.Invalidate(id)
	}

	resp := gin.H{"success": success, "message": msg}
	if accounts := s.store.GetAll(); idx < len(accounts) {
		resp["account"] = toViewAccount(accounts[idx], time.Now().UnixMilli())
	}
	c.JSON(http.StatusOK, resp)
}

// ManagerRefreshAll serves POST /manager/api/refresh_all.
func (s *Server) ManagerRefreshAll(c *gin.Context) {
	succeeded, failed := s.store.RefreshAll()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"refreshed": succeeded,
		"failed":    failed,
		"message":   "所有账号信息已刷新",
	})
}

// ManagerQuota serves GET /manager/api/quota?id=<sessionId>[&force=1].
func (s *Server) ManagerQuota(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 id 参数"})
		return
	}
	idx, ok := s.accountIndexBySessionID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到"})
		return
	}
	acc := s.store.GetAll()[idx]
	force := c.Query("force") == "1"

	quotaInfo, cached, errMsg := s.quotaCache.GetQuota(c.Request.Context(), acc, upstream.CurrentEndpoint(), force)
	if quotaInfo == nil {
		c.JSON(http.StatusOK, gin.H{"sessionId": id, "error": errMsg, "cached": cached})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": quotaInfo.SessionID,
		"groups":    quotaInfo.Groups,
		"cached":    cached,
		"fetchedAt": quotaInfo.FetchedAt,
	})
}

// ManagerQuotaAll serves POST /manager/api/quota/all.
func (s *Server) ManagerQuotaAll(c *gin.Context) {
	accounts := s.store.GetAll()
	results := make([]gin.H, 0, len(accounts))

	for _, acc := range accounts {
		quotaInfo, cached, errMsg := s.quotaCache.GetQuota(c.Request.Context(), acc, upstream.CurrentEndpoint(), false)
		if quotaInfo == nil {
			results = append(results, gin.H{"sessionId": acc.SessionID, "error": errMsg, "cached": cached})
			continue
		}
		results = append(results, gin.H{
			"sessionId": quotaInfo.SessionID,
			"groups":    quotaInfo.Groups,
			"cached":    cached,
			"fetchedAt": quotaInfo.FetchedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": results})
}

// ManagerOAuthURL serves GET /manager/api/oauth/url.
func (s *Server) ManagerOAuthURL(c *gin.Context) {
	state := s.oauthStates.Generate()
	redirectURI := fmt.Sprintf("http://localhost:%d/oauth-callback", config.Runtime().Port)

	authURL, err := s.store.OAuth().BuildAuthURL(redirectURI, state)
	if err != nil {
		log.Errorf("manager: build auth url: %v", err)
		c.JSON(http.StatusOK, gin.H{"error": "生成授权 URL 失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL})
}

type oauthParseURLRequest struct {
	URL                  string `json:"url"`
	CustomProjectID      string `json:"customProjectId"`
	AllowRandomProjectID bool   `json:"allowRandomProjectId"`
}

// ManagerOAuthParseURL serves POST /manager/api/oauth/parse-url: the user
// pastes the browser's callback URL and the account is created from it.
func (s *Server) ManagerOAuthParseURL(c *gin.Context) {
	var req oauthParseURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "请粘贴回调 URL"})
		return
	}
	pasted := strings.TrimSpace(req.URL)
	if pasted == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "请粘贴回调 URL"})
		return
	}

	code, state, err := parseOAuthCallbackURL(pasted)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	if strings.TrimSpace(state) == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "回调 URL 中缺少 state 参数"})
		return
	}
	if !s.oauthStates.Consume(state) {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "state 校验失败或已过期，请重新发起 OAuth 授权"})
		return
	}

	redirectURI := fmt.Sprintf("http://localhost:%d/oauth-callback", config.Runtime().Port)
	oauth := s.store.OAuth()

	token, err := oauth.ExchangeCode(code, redirectURI)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}

	email := ""
	if info, errInfo := oauth.GetUserInfo(token.AccessToken); errInfo != nil {
		log.Warnf("manager: fetch user email: %v", errInfo)
	} else {
		email = info.Email
	}

	projectID := strings.TrimSpace(req.CustomProjectID)
	if projectID == "" && token.AccessToken != "" {
		if pid, errPid := oauth.FetchProjectID(token.AccessToken); errPid != nil {
			log.Warnf("manager: auto-detect project id: %v", errPid)
		} else {
			projectID = strings.TrimSpace(pid)
		}
	}
	if projectID == "" {
		if !req.AllowRandomProjectID {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": "无法自动获取 Google 项目 ID，可能会导致部分接口 403。请填写自定义项目ID，或勾选「允许使用随机项目ID」。"})
			return
		}
		projectID = util.ProjectID()
		log.Infof("manager: using random project id %s", projectID)
	}

	account := credential.Account{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		Timestamp:    time.Now().UnixMilli(),
		ProjectID:    projectID,
		Email:        email,
		Enable:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err = s.store.Add(account); err != nil {
		log.Errorf("manager: save account: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "保存账号失败"})
		return
	}

	log.Infof("manager: oauth login succeeded for %s", email)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// parseOAuthCallbackURL accepts full URLs, scheme-less URLs and bare paths;
// only the query string matters.
func parseOAuthCallbackURL(raw string) (code, state string, err error) {
	idx := strings.IndexByte(raw, '?')
	if idx < 0 {
		return "", "", fmt.Errorf("回调 URL 中缺少 code 参数")
	}
	values, errParse := url.ParseQuery(raw[idx+1:])
	if errParse != nil {
		return "", "", fmt.Errorf("回调 URL 解析失败")
	}
	code = values.Get("code")
	if code == "" {
		return "", "", fmt.Errorf("回调 URL 中缺少 code 参数")
	}
	return code, values.Get("state"), nil
}

// webuiSettings is the manager's editable settings payload.
type webuiSettings struct {
	APIKey                 string `json:"apiKey"`
	WebUIPassword          string `json:"webuiPassword"`
	Debug                  string `json:"debug"`
	UserAgent              string `json:"userAgent"`
	Gemini3MediaResolution string `json:"gemini3MediaResolution"`
	EndpointMode           string `json:"endpointMode"`
}

// ManagerSettingsGet serves GET /manager/api/settings.
func (s *Server) ManagerSettingsGet(c *gin.Context) {
	rt := config.Runtime()
	c.JSON(http.StatusOK, webuiSettings{
		APIKey:                 rt.APIKey,
		WebUIPassword:          rt.WebUIPassword,
		Debug:                  rt.Debug,
		UserAgent:              rt.APIUserAgent,
		Gemini3MediaResolution: rt.Gemini3MediaResolution,
		EndpointMode:           rt.EndpointMode,
	})
}

// ManagerSettingsPost serves POST /manager/api/settings: validate, persist
// to .env, then swap the runtime snapshot.
func (s *Server) ManagerSettingsPost(c *gin.Context) {
	var req webuiSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "请求 JSON 解析失败，请检查请求体格式。"})
		return
	}
	if strings.TrimSpace(req.WebUIPassword) == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "WebUI 登录密码不能为空"})
		return
	}

	cur := config.Runtime()
	next := &config.Settings{
		WebUIPassword:          strings.TrimSpace(req.WebUIPassword),
		APIUserAgent:           strings.TrimSpace(req.UserAgent),
		Gemini3MediaResolution: strings.TrimSpace(req.Gemini3MediaResolution),
		Debug:                  strings.ToLower(strings.TrimSpace(req.Debug)),
		APIKey:                 strings.TrimSpace(req.APIKey),
		EndpointMode:           config.NormalizeEndpointMode(req.EndpointMode),
		Port:                   cur.Port,
		ModelAliases:           cur.ModelAliases,
	}
	if next.Debug == "" {
		next.Debug = "off"
	}
	if err := config.ValidateSettings(next); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := config.PersistRuntimeToDotenv(next); err != nil {
		log.Errorf("manager: persist settings: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": fmt.Sprintf("保存设置失败: %v", err)})
		return
	}
	config.UpdateRuntime(next)

	log.WithFields(log.Fields{
		"debug":         next.Debug,
		"user_agent":    next.APIUserAgent,
		"endpoint_mode": next.EndpointMode,
	}).Info("manager: settings updated")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ManagerCacheCleanup serves POST /manager/api/cache/cleanup: drops
// signature shards past the retention window.
func (s *Server) ManagerCacheCleanup(c *gin.Context) {
	days := max(s.cfg.SignatureRetentionDays, 1)
	deleted, err := signature.CleanupShards(s.cfg.DataDir, days)
	if err != nil {
		log.Errorf("manager: cleanup signature cache: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "deleted": 0, "error": fmt.Sprintf("清理失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// ManagerModelIDMappingGet serves GET /manager/api/model-id-mapping as a
// flat {alias: target} object.
func (s *Server) ManagerModelIDMappingGet(c *gin.Context) {
	aliases := config.Runtime().ModelAliases
	if aliases == nil {
		aliases = map[string]string{}
	}
	c.JSON(http.StatusOK, aliases)
}

// ManagerModelIDMappingPost serves POST /manager/api/model-id-mapping.
func (s *Server) ManagerModelIDMappingPost(c *gin.Context) {
	var raw map[string]string
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "请求 JSON 解析失败，请检查请求体格式。"})
		return
	}
	normalized, err := config.NormalizeModelAliases(raw)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err = config.SaveModelAliases(s.cfg.DataDir, normalized); err != nil {
		log.Errorf("manager: persist model aliases: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	config.UpdateModelAliases(normalized)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
