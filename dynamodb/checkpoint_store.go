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

// Package dynamodb keeps consumer checkpoints in a DynamoDB table
// keyed by CheckpointID.
package dynamodb

import (
	"context"
	"strconv"
	"strings"
	"time"

	"evhub/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const KeyAttribute string = "CheckpointID"

// A checkpoint may only replace one with the same or an older
// offset.
const monotonicCondition string = "attribute_not_exists(CheckpointID) OR #offset <= :offset"

type record struct {
	CheckpointID   string    `dynamodbav:"CheckpointID"`
	Namespace      string    `dynamodbav:"Namespace"`
	EntityPath     string    `dynamodbav:"EntityPath"`
	ConsumerGroup  string    `dynamodbav:"ConsumerGroup"`
	PartitionID    string    `dynamodbav:"PartitionID"`
	Offset         int64     `dynamodbav:"Offset"`
	SequenceNumber int64     `dynamodbav:"SequenceNumber"`
	UpdatedAt      time.Time `dynamodbav:"UpdatedAt"`
}

func checkpointID(key core.CheckpointKey) string {
	return strings.Join([]string{key.Namespace, key.EntityPath, key.ConsumerGroup, key.PartitionID}, "/")
}

type CheckpointStore struct {
	Client    dynamodbiface.DynamoDBAPI
	Table     string
	now       func() time.Time
	logFields log.Fields
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, key core.CheckpointKey) (*core.Checkpoint, error) {
	out, err := s.Client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			KeyAttribute: {S: aws.String(checkpointID(key))},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(out.Item) == 0 {
		return nil, core.ErrCheckpointNotFound
	}

	var r record
	if err := dynamodbattribute.UnmarshalMap(out.Item, &r); err != nil {
		return nil, errors.WithStack(err)
	}
	return &core.Checkpoint{
		CheckpointKey:  key,
		Offset:         r.Offset,
		SequenceNumber: r.SequenceNumber,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// SetCheckpoint writes the checkpoint unless the table already
// holds a later one, in which case core.ErrStaleCheckpoint is
// returned.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, checkpoint core.Checkpoint) error {
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = s.now()
	}
	item, err := dynamodbattribute.MarshalMap(record{
		CheckpointID:   checkpointID(checkpoint.CheckpointKey),
		Namespace:      checkpoint.Namespace,
		EntityPath:     checkpoint.EntityPath,
		ConsumerGroup:  checkpoint.ConsumerGroup,
		PartitionID:    checkpoint.PartitionID,
		Offset:         checkpoint.Offset,
		SequenceNumber: checkpoint.SequenceNumber,
		UpdatedAt:      checkpoint.UpdatedAt,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.Client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.Table),
		Item:                     item,
		ConditionExpression:      aws.String(monotonicCondition),
		ExpressionAttributeNames: map[string]*string{"#offset": aws.String("Offset")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":offset": {N: aws.String(strconv.FormatInt(checkpoint.Offset, 10))},
		},
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return errors.Wrapf(core.ErrStaleCheckpoint, "partition %s offset %d", checkpoint.PartitionID, checkpoint.Offset)
	}
	if err != nil {
		return errors.WithStack(err)
	}

	log.WithFields(s.logFields).WithFields(log.Fields{"partition": checkpoint.PartitionID, "offset": checkpoint.Offset}).Debug("checkpoint stored")
	return nil
}

func NewCheckpointStore(table string) *CheckpointStore {
	s := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return newCheckpointStore(dynamodb.New(s), table)
}

func newCheckpointStore(client dynamodbiface.DynamoDBAPI, table string) *CheckpointStore {
	return &CheckpointStore{
		Client:    client,
		Table:     table,
		now:       time.Now,
		logFields: log.Fields{"module": "dynamodb_checkpoint_store", "table": table},
	}
}
