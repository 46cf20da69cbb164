package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/pkg/telegram"
	tplfs "panda-hub/templates"
)

type NotificationTemplate string

const (
	NotificationStatusChanged NotificationTemplate = "status_changed"
	NotificationCodeRedeemed  NotificationTemplate = "code_redeemed"
	NotificationBalanceLow    NotificationTemplate = "balance_low"
)

var notificationTemplateFiles = map[NotificationTemplate]string{
	NotificationStatusChanged: "notifications/status_changed.tmpl",
	NotificationCodeRedeemed:  "notifications/code_redeemed.tmpl",
	NotificationBalanceLow:    "notifications/balance_low.tmpl",
}

// NotificationService delivers best-effort Telegram messages. Failures
// are logged and dropped; nothing in the ledger or key lifecycle waits
// on delivery.
type NotificationService struct {
	accountRepo repository.AccountRepository
	systemSvc   *SystemService
	pool        *pgxpool.Pool
	logger      *zap.Logger
	templateMu  sync.RWMutex
	templates   map[NotificationTemplate]*template.Template
	clientMu    sync.Mutex
	client      *telegram.BotClient
	clientKey   string
}

func NewNotificationService(
	accountRepo repository.AccountRepository,
	systemSvc *SystemService,
	pool *pgxpool.Pool,
	logger *zap.Logger,
) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		accountRepo: accountRepo,
		systemSvc:   systemSvc,
		pool:        pool,
		logger:      logger,
		templates:   make(map[NotificationTemplate]*template.Template),
	}
}

// NotifyStatusChange is wired as the ledger sweeper's notifier.
func (s *NotificationService) NotifyStatusChange(ctx context.Context, accountID uuid.UUID, status model.AccountStatus) {
	err := s.SendToAccount(ctx, accountID.String(), NotificationStatusChanged, map[string]string{
		"status": string(status),
	})
	if err != nil {
		s.logger.Warn("status change notification failed",
			zap.String("account_id", accountID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) SendToAccount(
	ctx context.Context,
	accountID string,
	templateName NotificationTemplate,
	vars map[string]string,
) error {
	if s.accountRepo == nil {
		return errors.New("account repository is nil")
	}

	uid, err := uuid.Parse(strings.TrimSpace(accountID))
	if err != nil {
		return ErrInvalidAccountID
	}

	account, err := s.accountRepo.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	if account.TelegramID == nil || *account.TelegramID == 0 {
		return nil
	}

	payload := cloneStringMap(vars)
	payload["username"] = account.Username
	text, err := s.renderTemplate(templateName, payload)
	if err != nil {
		return err
	}

	s.sendAsyncWithRetry(*account.TelegramID, text, templateName)
	return nil
}

func (s *NotificationService) SendToOwners(
	ctx context.Context,
	templateName NotificationTemplate,
	vars map[string]string,
) error {
	if s.pool == nil {
		return errors.New("database pool is nil")
	}

	rows, err := s.pool.Query(
		ctx,
		`SELECT telegram_id, username
		   FROM accounts
		  WHERE role = 'owner'
		    AND telegram_id IS NOT NULL`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var telegramID *int64
		var username string
		if err := rows.Scan(&telegramID, &username); err != nil {
			return err
		}
		if telegramID == nil || *telegramID == 0 {
			continue
		}

		payload := cloneStringMap(vars)
		payload["username"] = username
		text, err := s.renderTemplate(templateName, payload)
		if err != nil {
			return err
		}
		s.sendAsyncWithRetry(*telegramID, text, templateName)
	}

	return rows.Err()
}

func (s *NotificationService) sendAsyncWithRetry(chatID int64, text string, templateName NotificationTemplate) {
	go func() {
		retryDelays := []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second}
		var sendErr error
		for i, delay := range retryDelays {
			if i > 0 {
				time.Sleep(delay)
			}

			client, err := s.resolveBotClient(context.Background())
			if err != nil {
				sendErr = err
				continue
			}
			sendErr = client.SendMarkdown(chatID, text)
			if sendErr == nil {
				return
			}
		}

		s.logger.Error("send telegram notification failed",
			zap.Int64("chat_id", chatID),
			zap.String("template", string(templateName)),
			zap.Error(sendErr),
		)
	}()
}

func (s *NotificationService) resolveBotClient(ctx context.Context) (*telegram.BotClient, error) {
	if s.systemSvc == nil {
		return nil, errors.New("system service is nil")
	}

	cfg, err := s.systemSvc.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if !cfg.TelegramConfig.Enabled {
		return nil, errors.New("telegram notifications disabled")
	}
	token := strings.TrimSpace(cfg.TelegramConfig.BotToken)
	if token == "" {
		return nil, errors.New("telegram bot token is not configured")
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.client != nil && s.clientKey == token {
		return s.client, nil
	}

	s.client = telegram.NewBotClient(token, nil)
	s.clientKey = token
	return s.client, nil
}

func (s *NotificationService) renderTemplate(
	templateName NotificationTemplate,
	vars map[string]string,
) (string, error) {
	tpl, err := s.loadTemplate(templateName)
	if err != nil {
		return "", err
	}

	buf := bytes.NewBuffer(nil)
	if err := tpl.Execute(buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *NotificationService) loadTemplate(name NotificationTemplate) (*template.Template, error) {
	s.templateMu.RLock()
	if tpl, ok := s.templates[name]; ok {
		s.templateMu.RUnlock()
		return tpl, nil
	}
	s.templateMu.RUnlock()

	file, ok := notificationTemplateFiles[name]
	if !ok {
		return nil, fmt.Errorf("notification template not found: %s", name)
	}

	raw, err := tplfs.NotificationTemplateFS.ReadFile(file)
	if err != nil {
		return nil, err
	}

	tpl, err := template.New(file).Parse(string(raw))
	if err != nil {
		return nil, err
	}

	s.templateMu.Lock()
	s.templates[name] = tpl
	s.templateMu.Unlock()
	return tpl, nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return make(map[string]string)
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
