// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	// #nosec
	_ "net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// warpNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	warpNamespace = "warp"

	hubSubsystem     = "hub"
	sessionSubsystem = "session"

	// 以下为当前使用的通用标签名。
	resultLabelName  = "result"
	outcomeLabelName = "outcome"
)

// login_total 的 result 取值。
const (
	LoginResultOK              = "ok"
	LoginResultInvalidUser     = "invalid_user"
	LoginResultAlreadyLoggedIn = "already_logged_in"
	LoginResultTooManyUsers    = "too_many_users"
	LoginResultNeedsUpdate     = "needs_update"
	LoginResultOffline         = "offline"
	LoginResultInternalError   = "internal_error"
)

// messages_routed_total 的 outcome 取值。
const (
	OutcomeDelivered  = "delivered"
	OutcomeDiscarded  = "discarded"
	OutcomeSpooled    = "spooled"
	OutcomeRejected   = "rejected"
	OutcomeFirewalled = "firewalled"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768]
	buckets = prometheus.ExponentialBuckets(1, 2, 16)

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: warpNamespace,
		Subsystem: hubSubsystem,
		Name:      "online_users",
		Help:      "当前已登录到 hub 的连接数（含系统用户）",
	})

	LoginTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: warpNamespace,
		Subsystem: sessionSubsystem,
		Name:      "login_total",
		Help:      "按握手响应结果统计的登录次数",
	}, []string{resultLabelName})

	HandshakeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: warpNamespace,
		Subsystem: sessionSubsystem,
		Name:      "handshake_latency",
		Help:      "从建立连接到发出握手响应的耗时（毫秒）",
		Buckets:   buckets,
	})

	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: warpNamespace,
		Subsystem: hubSubsystem,
		Name:      "messages_routed_total",
		Help:      "按投递结果统计的消息数",
	}, []string{outcomeLabelName})

	PingsOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: warpNamespace,
		Subsystem: hubSubsystem,
		Name:      "pings_outstanding",
		Help:      "等待客户端确认的投递 ping 数",
	})

	UserCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: warpNamespace,
		Subsystem: hubSubsystem,
		Name:      "usercache_entries",
		Help:      "用户数据缓存中的活跃条目数",
	})

	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: warpNamespace,
		Subsystem: sessionSubsystem,
		Name:      "open_connections",
		Help:      "已接入的 TCP 连接数，包含尚未完成握手的连接",
	})

	SpoolRedelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: warpNamespace,
		Subsystem: hubSubsystem,
		Name:      "spool_redelivered_total",
		Help:      "登录后成功补发并删除的离线消息数",
	})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(OnlineUsers)
		r.MustRegister(LoginTotal)
		r.MustRegister(HandshakeLatency)
		r.MustRegister(MessagesRouted)
		r.MustRegister(PingsOutstanding)
		r.MustRegister(UserCacheEntries)
		r.MustRegister(SpoolRedelivered)
		r.MustRegister(OpenConnections)
		metricRegisterer = r
	})
}
