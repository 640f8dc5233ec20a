// Package mqtt provides the broker connection used by the MIG gateway.
//
// MQTT is used twice: as the gateway's own northbound bus (commands in,
// property notifications, acks and health out) and as the transport to
// zigbee2mqtt for the ZigBee interface.
//
// Topic layout:
//
//	graylogic/command/{domain}/{address}   inbound commands
//	graylogic/ack/{domain}/{address}       command results
//	graylogic/state/{domain}/{address}     property notifications (retained)
//	graylogic/modules/{domain}             module list (retained)
//	graylogic/health/{domain}              interface health (retained)
//	graylogic/system/status                gateway online/offline + LWT
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, handler)
package mqtt
