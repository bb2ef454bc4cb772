// Package s3 is a minimal Amazon S3 client supporting exactly the operations
// the build infrastructure needs: presigned download and upload URLs, object
// upload, and object deletion. Requests are authenticated with AWS signature
// version 2.
package s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/util"
)

// Client talks to a single S3 bucket.
type Client struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// BaseURL is the URL the bucket is served under, without a trailing
	// slash. Defaults to the usual virtual-hosted form. Tests point this at
	// a local server.
	BaseURL string

	awsID     string
	awsSecret string
	client    *http.Client
}

// NewClient returns a Client for the given bucket. If httpClient is nil a
// default timeout client is used.
func NewClient(awsID, awsSecret, bucket string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputils.NewTimeoutClient()
	}
	return &Client{
		Bucket:    bucket,
		BaseURL:   fmt.Sprintf("https://%s.s3.amazonaws.com", bucket),
		awsID:     awsID,
		awsSecret: awsSecret,
		client:    httpClient,
	}
}

// SplitURI splits an s3://bucket/prefix URI into its bucket and prefix. The
// prefix may be empty.
func SplitURI(uri string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", derr.Fmt("malformed s3 uri %q", uri)
	}
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return parts[0], prefix, nil
}

// cleanKey strips any leading slashes; S3 object keys never start with one.
func cleanKey(key string) string {
	return strings.TrimLeft(key, "/")
}

// sign computes the signature over the given string-to-sign.
func (c *Client) sign(stringToSign string) string {
	h := hmac.New(sha1.New, []byte(c.awsSecret))
	_, _ = h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// makeAuth builds the signature for a header-authenticated request. The date
// must be in RFC 1123 format.
func (c *Client) makeAuth(verb, contentType, date, key string) string {
	stringToSign := fmt.Sprintf("%s\n\n%s\n%s\n/%s/%s", verb, contentType, date, c.Bucket, key)
	return c.sign(stringToSign)
}

// objectURL returns the unauthenticated URL of the given key.
func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/%s", c.BaseURL, cleanKey(key))
}

// SignedGetURL returns a presigned URL which allows anyone to download the
// given object until the URL expires.
func (c *Client) SignedGetURL(key string, expires time.Time) string {
	key = cleanKey(key)
	exp := expires.Unix()
	stringToSign := fmt.Sprintf("GET\n\n\n%d\n/%s/%s", exp, c.Bucket, key)
	sig := c.sign(stringToSign)
	return fmt.Sprintf("%s?Signature=%s&Expires=%d&AWSAccessKeyId=%s",
		c.objectURL(key), url.QueryEscape(sig), exp, c.awsID)
}

// SignedPutURL returns a presigned URL which allows anyone to upload the
// given object until the URL expires. The uploader must send exactly the
// given Content-Type.
func (c *Client) SignedPutURL(key, contentType string, expires time.Time) string {
	key = cleanKey(key)
	exp := expires.Unix()
	stringToSign := fmt.Sprintf("PUT\n\n%s\n%d\n/%s/%s", contentType, exp, c.Bucket, key)
	sig := c.sign(stringToSign)
	return fmt.Sprintf("%s?Signature=%s&Expires=%d&AWSAccessKeyId=%s",
		c.objectURL(key), url.QueryEscape(sig), exp, c.awsID)
}

// Put uploads an object. The length must be the exact number of bytes the
// body will yield.
func (c *Client) Put(ctx context.Context, key, contentType string, body io.Reader, length int64) error {
	key = cleanKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), body)
	if err != nil {
		return derr.Wrap(err)
	}
	date := time.Now().UTC().Format(http.TimeFormat)
	req.ContentLength = length
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", fmt.Sprintf("AWS %s:%s", c.awsID, c.makeAuth(http.MethodPut, contentType, date, key)))

	resp, err := c.client.Do(req)
	if err != nil {
		return derr.Wrapf(err, "PUT s3://%s/%s", c.Bucket, key)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return derr.Fmt("PUT s3://%s/%s returned %q: %s", c.Bucket, key, resp.Status, string(b))
	}
	return nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return derr.Wrap(err)
	}
	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", fmt.Sprintf("AWS %s:%s", c.awsID, c.makeAuth(http.MethodDelete, "", date, key)))

	resp, err := c.client.Do(req)
	if err != nil {
		return derr.Wrapf(err, "DELETE s3://%s/%s", c.Bucket, key)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return derr.Fmt("DELETE s3://%s/%s returned %q", c.Bucket, key, resp.Status)
	}
	return nil
}
