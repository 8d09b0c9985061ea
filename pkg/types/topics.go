package types

// Event subjects. The dotted prefix identifies the producing manager:
// pm (accounts), de (data engine), ta (indicators), st (strategy),
// tr (trade execution), trading (requests addressed to the data engine).
const (
	// Account registry
	TopicAccountLoaded   = "pm.account.loaded"
	TopicAccountEnabled  = "pm.account.enabled"
	TopicAccountDisabled = "pm.account.disabled"
	TopicAccountFailed   = "pm.load.failed"
	TopicPMReady         = "pm.manager.ready"
	TopicPMShutdown      = "pm.manager.shutdown"

	// Data engine — connections
	TopicClientConnected   = "de.client.connected"
	TopicClientConnFailed  = "de.client.connection_failed"
	TopicWSConnected       = "de.websocket.connected"
	TopicWSDisconnected    = "de.websocket.disconnected"
	TopicUserStreamStarted = "de.user_stream.started"

	// Data engine — market data
	TopicGetKlines     = "de.get_historical_klines"
	TopicKlinesSuccess = "de.historical_klines.success"
	TopicKlinesFailed  = "de.historical_klines.failed"
	TopicKlineUpdate   = "de.kline.update"

	// Trading requests (executor → data engine)
	TopicOrderCreate = "trading.order.create"
	TopicOrderCancel = "trading.order.cancel"
	TopicGetBalance  = "trading.get_account_balance"

	// Data engine — trading responses and user-stream updates
	TopicOrderSubmitted  = "de.order.submitted"
	TopicOrderFailed     = "de.order.failed"
	TopicOrderCancelled  = "de.order.cancelled"
	TopicOrderFilled     = "de.order.filled"
	TopicOrderUpdate     = "de.order.update"
	TopicAccountBalance  = "de.account.balance"
	TopicAccountUpdate   = "de.account.update"
	TopicPositionUpdate  = "de.position.update"

	// Strategy engine
	TopicStrategyLoaded     = "st.strategy.loaded"
	TopicStrategyLoadFailed = "st.strategy.load_failed"
	TopicIndicatorSubscribe = "st.indicator.subscribe"
	TopicSignalGenerated    = "st.signal.generated"
	TopicGridCreate         = "st.grid.create"

	// Indicator engine
	TopicIndicatorCreated      = "ta.indicator.created"
	TopicIndicatorCreateFailed = "ta.indicator.create_failed"
	TopicCalculationCompleted  = "ta.calculation.completed"

	// Trade executor
	TopicPositionOpened = "tr.position.opened"
	TopicPositionClosed = "tr.position.closed"
)
