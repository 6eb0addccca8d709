package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/mrz1836/postmark"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/handlers"
	"github.com/qcom/authcore/internal/mail"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/repository"
	"github.com/qcom/authcore/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, keeping info")
	}

	dynamoClient, err := initDynamoDB(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	redisClient, err := initRedis(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Redis")
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize repositories
	userRepo := repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, cfg.DynamoDB.Timeout, logger)
	verificationRepo := repository.NewVerificationRepository(dynamoClient, cfg.DynamoDB.TableName, cfg.DynamoDB.Timeout, logger)

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, m, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	passwordService, err := service.NewPasswordService(0)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize password service")
	}

	refreshTokenService := service.NewRefreshTokenService(redisClient, cfg.Redis.Timeout, logger)
	verificationService := service.NewVerificationService(verificationRepo, userRepo, newSender(cfg, logger), &cfg.Verification, m, logger)
	authService := service.NewAuthService(userRepo, passwordService, jwtService, refreshTokenService, verificationService, m, logger)

	pipeline := middleware.Pipeline(logger, m,
		middleware.NewAPIKeyGate(&cfg.Gates),
		middleware.NewBearerGate(jwtService, userRepo, &cfg.Gates, logger),
	)

	authHandlers := handlers.NewAuthHandlers(authService, verificationService, userRepo, logger)
	router := handlers.NewRouter(authHandlers, pipeline, cfg, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}

func initRedis(cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Endpoint,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Endpoint, err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

// newSender falls back to logging when no Postmark token is configured.
func newSender(cfg *config.Config, logger *logrus.Logger) service.VerificationSender {
	if cfg.Mail.PostmarkServerToken == "" {
		logger.Warn("POSTMARK_SERVER_TOKEN not set, verification codes will only be logged")
		return mail.NewLogSender(logger)
	}

	client := postmark.NewClient(cfg.Mail.PostmarkServerToken, cfg.Mail.PostmarkAccountToken)
	return mail.NewPostmarkSender(client, cfg.Mail.Sender, logger)
}
