// Package access builds and checks the bucket policy that lets exactly one
// delivery distribution read the storage origin.
//
// The grant always names the CloudFront service principal and is scoped by
// an AWS:SourceArn condition equal to one distribution ARN. Statements that
// name a wildcard principal, an account or origin access identity
// principal, or omit the scoping condition are rejected as security errors.
package access
