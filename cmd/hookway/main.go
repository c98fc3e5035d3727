/*
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

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/hookway/hookway/pkg/operator"
	"github.com/hookway/hookway/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	op, err := operator.New(ctx, opts, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	if err := op.Start(ctx); err != nil {
		log.Fatal("shutdown failed", zap.Error(err))
	}
}
