package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchOptions configures metric publishing. Empty keys fall back to
// the default AWS credential chain.
type CloudWatchOptions struct {
	Region          string
	Namespace       string
	Dashboard       string
	AccessKeyID     string
	SecretAccessKey string
}

var (
	cwMu        sync.RWMutex
	cwClient    *cloudwatch.Client
	cwNamespace = "CryptoTrack"
)

// InitCloudWatch creates the CloudWatch client. When the AWS configuration
// cannot be loaded publishing stays disabled and the error is returned.
func InitCloudWatch(ctx context.Context, opts CloudWatchOptions) error {
	log := GetLogger().WithComponent("cloudwatch")

	region := opts.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return fmt.Errorf("load aws config: %w", err)
	}

	client := cloudwatch.NewFromConfig(cfg)
	cwMu.Lock()
	cwClient = client
	if opts.Namespace != "" {
		cwNamespace = opts.Namespace
	}
	namespace := cwNamespace
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
	if opts.Dashboard != "" {
		createDashboard(ctx, client, namespace, opts.Dashboard)
	}
	return nil
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	cwMu.RLock()
	client, namespace := cwClient, cwNamespace
	cwMu.RUnlock()
	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func createDashboard(ctx context.Context, client *cloudwatch.Client, namespace, name string) {
	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","tickers_received"],
    ["%[1]s","stream_reconnects"],
    ["%[1]s","venue_degraded"],
    ["%[1]s","rest_rate_limited"]
],
"period": 60,
"stat": "Sum",
"title": "CryptoTrack venue health"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
