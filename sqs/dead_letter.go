/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sqs

import (
	"context"
	"strconv"
	"unicode/utf8"

	"evhub/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SQS allows at most ten message attributes.
const maxMessageAttributes = 10

// MaxBodyBytes keeps body and attributes below the 256 KiB SQS
// message limit. Longer bodies are truncated.
const MaxBodyBytes = 240 * 1024

type DeadLetterConfiguration struct {
	QueueName string
}

// DeadLetter parks poison records and events on an SQS queue.
type DeadLetter struct {
	Client    sqsiface.SQSAPI
	QueueUrl  string
	logFields log.Fields
}

func (d *DeadLetter) Poison(ctx context.Context, message core.PoisonMessage) error {
	attributes := map[string]*sqs.MessageAttributeValue{
		"reason":      stringAttribute(message.Reason),
		"partitionId": stringAttribute(message.PartitionID),
		"offset":      numberAttribute(message.Offset),
		"size":        numberAttribute(int64(len(message.Body))),
	}
	body := message.Body
	if len(body) > MaxBodyBytes {
		body = truncate(body, MaxBodyBytes)
		attributes["truncated"] = stringAttribute("true")
	}
	for k, v := range message.Properties {
		if len(attributes) == maxMessageAttributes {
			log.WithFields(d.logFields).WithField("property", k).Warn("dropping property of poison message")
			continue
		}
		if _, ok := attributes[k]; ok || v == "" {
			continue
		}
		attributes[k] = stringAttribute(v)
	}

	if len(body) == 0 {
		// SQS rejects empty bodies.
		body = []byte("{}")
	}

	out, err := d.Client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:          &d.QueueUrl,
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	log.WithFields(d.logFields).WithFields(log.Fields{
		"messageId": aws.StringValue(out.MessageId),
		"partition": message.PartitionID,
		"offset":    message.Offset,
		"reason":    message.Reason,
	}).Info("poison message parked")
	return nil
}

// truncate cuts body at a rune boundary at or before n bytes.
func truncate(body []byte, n int) []byte {
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return body[:n]
}

func numberAttribute(v int64) *sqs.MessageAttributeValue {
	return &sqs.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(v, 10))}
}

func stringAttribute(v string) *sqs.MessageAttributeValue {
	return &sqs.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func NewDeadLetter(ctx context.Context, configuration *DeadLetterConfiguration) (*DeadLetter, error) {
	s := session.Must(session.NewSessionWithOptions(session.Options{}))
	return newDeadLetter(ctx, sqs.New(s), configuration)
}

func newDeadLetter(ctx context.Context, client sqsiface.SQSAPI, configuration *DeadLetterConfiguration) (*DeadLetter, error) {
	urlResult, err := client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(configuration.QueueName),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &DeadLetter{
		Client:    client,
		QueueUrl:  *urlResult.QueueUrl,
		logFields: log.Fields{"module": "sqs_dead_letter", "queue": configuration.QueueName},
	}, nil
}
