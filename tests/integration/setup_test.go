//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"panda-hub/internal/api"
	"panda-hub/internal/api/middleware"
	"panda-hub/internal/event"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/repository/postgres"
	"panda-hub/internal/service"
	"panda-hub/internal/sse"
	systemlog "panda-hub/pkg/logger"
)

const (
	ownerPassword    = "OwnerPass123!"
	resellerPassword = "ResellerPass123!"
)

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type integrationEnv struct {
	pool           *pgxpool.Pool
	router         *gin.Engine
	privateKey     *rsa.PrivateKey
	internalSecret string

	ownerID          uuid.UUID
	ownerUsername    string
	resellerID       uuid.UUID
	resellerUsername string

	accountRepo repository.AccountRepository
	keyRepo     repository.KeyRepository

	authSvc     *service.AuthService
	accountSvc  *service.AccountService
	ledgerSvc   *service.LedgerService
	keySvc      *service.KeyService
	referralSvc *service.ReferralService
	systemSvc   *service.SystemService
	sseHub      *sse.SSEHub
	eventBus    *event.Bus
}

var suite *integrationEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	env, err := buildIntegrationEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
		os.Exit(1)
	}
	suite = env

	code := m.Run()

	if suite != nil {
		if suite.sseHub != nil {
			suite.sseHub.Close()
		}
		if suite.pool != nil {
			suite.pool.Close()
		}
	}

	os.Exit(code)
}

func buildIntegrationEnv() (*integrationEnv, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "panda_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/panda_test?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if pingErr := pool.Ping(ctx); pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.New("postgres did not become ready")
		}
		time.Sleep(500 * time.Millisecond)
	}

	if err := applyAllMigrations(ctx, pool); err != nil {
		return nil, err
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if err := setPublicKeyEnv(privateKey); err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	accountRepo := postgres.NewAccountRepository(pool)
	codeRepo := postgres.NewReferralCodeRepository(pool)
	keyRepo := postgres.NewKeyRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)

	sseHub := sse.NewHub(logger)
	eventBus := event.NewBus()
	internalSecret := "integration-secret"

	systemSvc := service.NewSystemService(pool, auditRepo, sseHub, logger)
	ledgerSvc := service.NewLedgerService(accountRepo, auditRepo, pool, eventBus, sseHub, logger)
	keySvc := service.NewKeyService(keyRepo, accountRepo, auditRepo, pool, ledgerSvc, systemSvc, eventBus, sseHub, logger)
	referralSvc := service.NewReferralService(codeRepo, accountRepo, auditRepo, pool, eventBus, sseHub, logger)
	accountSvc := service.NewAccountService(accountRepo, auditRepo, eventBus, sseHub, logger)
	auditSvc := service.NewAuditService(auditRepo, pool)
	authSvc := service.NewAuthService(accountRepo, auditRepo, pool, privateKey)

	middleware.SetAuditRepository(auditRepo)
	if _, err := systemSvc.GetConfig(ctx); err != nil {
		return nil, err
	}

	ownerID, err := seedAccount(ctx, accountRepo, "owner_integration", ownerPassword, model.AccountRoleOwner, 0, true)
	if err != nil {
		return nil, err
	}
	resellerID, err := seedAccount(ctx, accountRepo, "alice_integration", resellerPassword, model.AccountRoleReseller, 10_000, false)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	api.RegisterV1Routes(router, api.Deps{
		AuthService:     authSvc,
		AccountService:  accountSvc,
		LedgerService:   ledgerSvc,
		ReferralService: referralSvc,
		KeyService:      keySvc,
		AuditService:    auditSvc,
		SystemService:   systemSvc,
		SSEHub:          sseHub,
		LogStore:        systemlog.NewSystemLogStore(100),
	})
	api.RegisterInternalRoutes(router, keySvc, internalSecret)

	return &integrationEnv{
		pool:             pool,
		router:           router,
		privateKey:       privateKey,
		internalSecret:   internalSecret,
		ownerID:          ownerID,
		ownerUsername:    "owner_integration",
		resellerID:       resellerID,
		resellerUsername: "alice_integration",
		accountRepo:      accountRepo,
		keyRepo:          keyRepo,
		authSvc:          authSvc,
		accountSvc:       accountSvc,
		ledgerSvc:        ledgerSvc,
		keySvc:           keySvc,
		referralSvc:      referralSvc,
		systemSvc:        systemSvc,
		sseHub:           sseHub,
		eventBus:         eventBus,
	}, nil
}

func setPublicKeyEnv(privateKey *rsa.PrivateKey) error {
	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}

	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyDER,
	})
	return os.Setenv("PANDA_JWT_PUBLIC_KEY", string(publicPEM))
}

func applyAllMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		// #nosec G304 -- migration file list comes from controlled test directory.
		raw, err := os.ReadFile(filepath.Join(migrationsDir, file))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			return err
		}
	}

	return nil
}

func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not locate migrations directory")
		}
		dir = parent
	}
}

func seedAccount(
	ctx context.Context,
	repo repository.AccountRepository,
	username string,
	password string,
	role model.AccountRole,
	balance int64,
	unlimited bool,
) (uuid.UUID, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return uuid.Nil, err
	}

	account := &model.Account{
		ID:               uuid.New(),
		Username:         username,
		PasswordHash:     string(hashedPassword),
		Role:             role,
		Active:           true,
		Balance:          balance,
		UnlimitedBalance: unlimited,
	}
	if err := repo.Create(ctx, account); err != nil {
		return uuid.Nil, err
	}

	return account.ID, nil
}

func getEnv(t *testing.T) *integrationEnv {
	t.Helper()
	if suite == nil {
		t.Fatal("integration environment not initialized")
	}
	return suite
}

// loginAs signs in through the service layer so tests do not burn the
// login endpoint's per-IP rate budget. HTTP logins stay in auth_test.go.
func loginAs(t *testing.T, username string, password string) (string, string) {
	t.Helper()

	accessToken, refreshToken, err := getEnv(t).authSvc.Login(context.Background(), username, password)
	if err != nil {
		t.Fatalf("service login failed for %s: %v", username, err)
	}
	return accessToken, refreshToken
}

func authCookies(accessToken, refreshToken string) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, 2)
	if accessToken != "" {
		cookies = append(cookies, &http.Cookie{Name: "access_token", Value: accessToken})
	}
	if refreshToken != "" {
		cookies = append(cookies, &http.Cookie{Name: "refresh_token", Value: refreshToken})
	}
	return cookies
}

func ownerCookies(t *testing.T) []*http.Cookie {
	t.Helper()
	access, refresh := loginAs(t, getEnv(t).ownerUsername, ownerPassword)
	return authCookies(access, refresh)
}

func resellerCookies(t *testing.T) []*http.Cookie {
	t.Helper()
	access, refresh := loginAs(t, getEnv(t).resellerUsername, resellerPassword)
	return authCookies(access, refresh)
}

func createReseller(t *testing.T, balance int64) (uuid.UUID, string, []*http.Cookie) {
	t.Helper()

	username := uniqueName("shop")
	id, err := seedAccount(context.Background(), getEnv(t).accountRepo, username, resellerPassword, model.AccountRoleReseller, balance, false)
	if err != nil {
		t.Fatalf("seed reseller: %v", err)
	}

	access, refresh := loginAs(t, username, resellerPassword)
	return id, username, authCookies(access, refresh)
}

func generateCustomCode(t *testing.T, code string, balance int64, durationDays int, modID *string) string {
	t.Helper()

	codes, err := getEnv(t).referralSvc.BatchGenerate(
		context.Background(),
		getEnv(t).ownerID.String(),
		service.GenerateCodesRequest{
			Count:        1,
			Balance:      balance,
			DurationDays: durationDays,
			ModID:        modID,
			CustomCodes:  []string{code},
		},
	)
	if err != nil {
		t.Fatalf("generate code failed: %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("expected one code, got %d", len(codes))
	}
	return codes[0].Code
}

func performJSONRequest(
	t *testing.T,
	handler http.Handler,
	method string,
	path string,
	payload interface{},
	headers map[string]string,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()

	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = raw
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	for _, cookie := range cookies {
		if cookie != nil {
			req.AddCookie(cookie)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeEnvelope(t *testing.T, resp *httptest.ResponseRecorder) apiEnvelope {
	t.Helper()

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response envelope: %v body=%s", err, resp.Body.String())
	}
	return envelope
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode payload: %v raw=%s", err, string(raw))
	}
}

var nameCounter atomic.Int64

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%1_000_000, nameCounter.Add(1))
}
