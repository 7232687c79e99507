// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements store.Medium on top of an S3 object. It uses aws
// api v1. The whole snapshot is one object, a single PUT replaces it
// atomically, so readers see either the old or the new snapshot.
package s3

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cockroachdb/errors"
	"golang.org/x/net/http2"
)

const (
	// Object name used when none is configured.
	DefaultObject = "syncobj/snapshot"

	defaultTimeout = 30 * time.Second
)

// Medium stores the snapshot in a single object of a bucket.
type Medium struct {
	client  s3iface.S3API
	bucket  string
	object  string
	timeout time.Duration
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	Object    string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Returns medium talking to the configured endpoint. The bucket is created
// when it does not exist.
func New(o Options) (*Medium, error) {
	// Snapshots are small compared to block device objects, so the
	// settings recommended by AWS for their network are fine.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 session")
	}

	m := NewWithClient(s3.New(sess), o)

	if err := m.makeBucketExist(); err != nil {
		return nil, errors.Wrapf(err, "bucket %s", o.Bucket)
	}

	return m, nil
}

// Returns medium using an existing client.
func NewWithClient(client s3iface.S3API, o Options) *Medium {
	if o.Object == "" {
		o.Object = DefaultObject
	}

	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}

	return &Medium{client: client, bucket: o.Bucket, object: o.Object, timeout: o.Timeout}
}

func (m *Medium) Name() string {
	return "s3://" + m.bucket + "/" + m.object
}

// Load function implemented through s3 api. A missing object is reported
// as os.ErrNotExist.
func (m *Medium) Load() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	out, err := m.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.object),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.Wrapf(os.ErrNotExist, "%s", m.Name())
		}

		return nil, errors.Wrapf(err, "get %s", m.Name())
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", m.Name())
	}

	return data, nil
}

// Replace function implemented through s3 api.
func (m *Medium) Replace(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	_, err := m.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.object),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "put %s", m.Name())
	}

	return nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (m *Medium) makeBucketExist() error {
	_, err := m.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(m.bucket)})

	if err != nil {
		_, err = m.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(m.bucket)})

		if err == nil {
			err = m.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(m.bucket)})
		}
	}

	return err
}
